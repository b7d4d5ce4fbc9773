package tracker

import "entregas/internal/core"

// Outcome says what happened to a command.
type Outcome string

const (
	// Persisted means the change is in memory and in the durable store.
	Persisted Outcome = "persisted"
	// LocalOnly means the change is in memory and the flat store only.
	LocalOnly Outcome = "local_only"
	Rejected  Outcome = "rejected"
	NoChange  Outcome = "no_change"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Notice is a message for the user. Blocking notices must be acknowledged;
// the rest are transient.
type Notice struct {
	Level    Level  `json:"level"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking,omitempty"`
}

// Result is returned by every command.
type Result struct {
	Outcome  Outcome        `json:"outcome"`
	Notice   Notice         `json:"notice"`
	Delivery *core.Delivery `json:"delivery,omitempty"`
	Removed  int            `json:"removed,omitempty"`
	Err      error          `json:"-"`
}

// User-facing messages.
const (
	MsgAdded         = "Entrega registrada com sucesso!"
	MsgAddedLocal    = "Entrega registrada (dados salvos localmente)"
	MsgRemoved       = "Entrega removida com sucesso!"
	MsgRemovedLocal  = "Entrega removida (salvo localmente)"
	MsgInvalidInput  = "Por favor, preencha todos os campos corretamente."
	MsgFallbackMode  = "Erro ao carregar dados. Usando modo fallback."
	MsgMigrated      = "Dados migrados para armazenamento offline!"
	MsgTrimmedFormat = "%d entregas antigas removidas para otimizar armazenamento"
	MsgExported      = "Backup exportado com sucesso!"
	MsgNewVersion    = "Nova versão disponível! Recarregue a página."
)
