package models

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type RegisterTriggerRequest struct {
	Path      string         `json:"path" binding:"required"`
	EventName string         `json:"eventName" binding:"required"`
	Params    map[string]any `json:"params"`
}

type UnregisterTriggerRequest struct {
	Path string `json:"path" binding:"required"`
}

type StatesResponse struct {
	States      any `json:"states"`
	AddonStates any `json:"addonStates"`
}
