package server

// Request types for the HTTP API with validation tags.
// Empty fields fall back to the running configuration.

// --- Notification tests ---

// WebhookTestRequest is the request body for POST /api/notifications/webhook/test.
type WebhookTestRequest struct {
	URL string `json:"url" validate:"omitempty,url,max=2048"`
}

// EmailTestRequest is the request body for POST /api/notifications/email/test.
type EmailTestRequest struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,max=100"`
	ClientID     string `json:"client_id" validate:"omitempty,max=100"`
	ClientSecret string `json:"client_secret" validate:"omitempty,max=500"`
	FromAddress  string `json:"from_address" validate:"omitempty,email,max=254"`
	Recipients   string `json:"recipients" validate:"omitempty,max=1000"`
}

// ZabbixTestRequest is the request body for POST /api/notifications/zabbix/test.
type ZabbixTestRequest struct {
	Server string `json:"server" validate:"omitempty,max=253"`
	Port   int    `json:"port" validate:"omitempty,gte=1,lte=65535"`
	Host   string `json:"host" validate:"omitempty,max=253"`
	Key    string `json:"key" validate:"omitempty,max=256"`
}

// --- Upload test ---

// S3TestRequest is the request body for POST /api/upload/test.
type S3TestRequest struct {
	Endpoint  string `json:"endpoint" validate:"omitempty,url,max=2048"`
	Bucket    string `json:"bucket" validate:"omitempty,max=63"`
	AccessKey string `json:"access_key_id" validate:"omitempty,max=128"`
	SecretKey string `json:"secret_access_key" validate:"omitempty,max=256"`
}

// --- Event log ---

// EventsQuery holds the query parameters of GET /api/events.
type EventsQuery struct {
	Limit  int    `json:"limit" validate:"gte=0,lte=500"`
	Offset int    `json:"offset" validate:"gte=0"`
	Type   string `json:"type" validate:"omitempty,oneof=session file device upload"`
}
