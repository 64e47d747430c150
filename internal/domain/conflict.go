package domain

import "time"

// ConflictType классифицирует расхождение локального и серверного состояния.
type ConflictType string

const (
	// ConflictOrderModified: шапка заказа изменена на сервере после последней синхронизации.
	ConflictOrderModified ConflictType = "order_modified"
	// ConflictLineModified: количество в строке изменено на сервере и расходится с локальным.
	ConflictLineModified ConflictType = "line_modified"
	// ConflictProductUpdated: товар строки изменён на сервере поверх локальной правки кода.
	ConflictProductUpdated ConflictType = "product_updated"
)

// ConflictResolution задаёт способ разрешения конфликта.
type ConflictResolution string

const (
	// ResolutionManual: конфликт сохраняется и ждёт решения пользователя.
	ResolutionManual ConflictResolution = "manual"
	// ResolutionLocal: локальное значение отправляется на сервер.
	ResolutionLocal ConflictResolution = "local"
	// ResolutionServer: локальное расхождение отбрасывается, берётся серверное значение.
	ResolutionServer ConflictResolution = "server"
)

// Valid проверяет поддерживаемые значения.
func (r ConflictResolution) Valid() bool {
	switch r {
	case ResolutionManual, ResolutionLocal, ResolutionServer:
		return true
	default:
		return false
	}
}

// Automatic сообщает, разрешается ли конфликт без участия пользователя.
func (r ConflictResolution) Automatic() bool {
	return r == ResolutionLocal || r == ResolutionServer
}

// ConflictValue: сравниваемое значение одной из сторон конфликта.
type ConflictValue struct {
	Name        string   `json:"name,omitempty"`
	Partner     *Partner `json:"partner,omitempty"`
	Quantity    *float64 `json:"quantity,omitempty"`
	ProductCode string   `json:"productCode,omitempty"`
}

// SyncConflict: обнаруженное расхождение, требующее разрешения.
type SyncConflict struct {
	ID         string              `json:"id"`
	Type       ConflictType        `json:"type"`
	OrderID    OrderID             `json:"orderId"`
	LineID     *LineID             `json:"lineId,omitempty"`
	LocalData  ConflictValue       `json:"localData"`
	ServerData ConflictValue       `json:"serverData"`
	Timestamp  time.Time           `json:"timestamp"`
	Resolved   bool                `json:"resolved"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`
}
