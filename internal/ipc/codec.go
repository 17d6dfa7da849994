package ipc

// Protocol actions understood by the shared embedding server.
const (
	ActionHealth     = "health"
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionEmbed      = "embed"
)

// Additional actions understood by the vector worker.
const (
	ActionInit              = "init"
	ActionInsert            = "insert"
	ActionDelete            = "delete"
	ActionDeleteByProject   = "deleteByProject"
	ActionDeleteByMemoryIDs = "deleteByMemoryIds"
	ActionSearch            = "search"
	ActionFindSimilar       = "findSimilar"
	ActionCount             = "count"
)

// Request is a single protocol message from client to server: one line of
// UTF-8 JSON terminated by '\n'. Unused fields are omitted on the wire.
type Request struct {
	Action string `json:"action"`

	// Embedding server
	Texts []string `json:"texts,omitempty"`

	// Vector worker
	Dimensions int       `json:"dimensions,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	MemoryID   string    `json:"memoryId,omitempty"`
	MemoryIDs  []string  `json:"memoryIds,omitempty"`
	ProjectID  string    `json:"projectId,omitempty"`
	Scope      string    `json:"scope,omitempty"`
	Threshold  float64   `json:"threshold,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

// SearchHit is one vector search result
type SearchHit struct {
	MemoryID string  `json:"memoryId"`
	Distance float64 `json:"distance"`
}

// Response is a single protocol message from server to client. A non-empty
// Error field marks a failed request; Message carries detail.
type Response struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	// Numeric fields stay on the wire at zero: a disconnect reply that
	// brings clients to 0 must still carry "clients":0 for non-Go readers.
	Status        string      `json:"status,omitempty"`
	Clients       int         `json:"clients"`
	UptimeSeconds float64     `json:"uptime"`
	Dimensions    int         `json:"dimensions"`
	Model         string      `json:"model,omitempty"`
	Embeddings    [][]float32 `json:"embeddings,omitempty"`
	Results       []SearchHit `json:"results,omitempty"`
	Count         int         `json:"count"`
}

// Errorf builds an error response
func Errorf(code, message string) Response {
	return Response{Error: code, Message: message}
}
