package types

type RequestConnect struct {
	Provider    string            `json:"provider" validate:"required"`
	Credentials map[string]string `json:"credentials"`
}

type RequestSendMessage struct {
	Destination string `json:"destination" validate:"required,phone"`
	Text        string `json:"text" validate:"required"`
}

type RequestWAVersionRefresh struct {
	Force bool `json:"force"`
}
