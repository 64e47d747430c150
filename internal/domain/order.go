package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RecordSchemaVersion: версия формата OrderRecord в хранилище.
const RecordSchemaVersion = 1

// OrderID идентифицирует заказ на стороне ERP.
type OrderID = int64

// LineID идентифицирует строку заказа на стороне ERP.
type LineID = int64

// SyncStatus описывает состояние синхронизации локальной записи заказа.
type SyncStatus string

const (
	// SyncStatusLocalOnly: запись есть только локально (например, загрузка строк не удалась).
	SyncStatusLocalOnly SyncStatus = "local-only"
	// SyncStatusPending: есть несинхронизированные правки или неразрешённые конфликты.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSyncing: запись прямо сейчас синхронизируется.
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusSynced: локальная запись совпадает с сервером на момент LastSyncedAt.
	SyncStatusSynced SyncStatus = "synced"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusLocalOnly, SyncStatusPending, SyncStatusSyncing, SyncStatusSynced:
		return true
	default:
		return false
	}
}

// Partner: ссылка на контрагента в формате many2one ERP: [id, "name"].
type Partner struct {
	ID   int64
	Name string
}

// MarshalJSON сериализует партнёра в пару [id, name]; пустой партнёр кодируется как false.
func (p Partner) MarshalJSON() ([]byte, error) {
	if p.ID == 0 && p.Name == "" {
		return []byte("false"), nil
	}
	return json.Marshal([]any{p.ID, p.Name})
}

// UnmarshalJSON принимает [id, name], false и null.
func (p *Partner) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("false")) || bytes.Equal(trimmed, []byte("null")) {
		*p = Partner{}
		return nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(trimmed, &pair); err != nil {
		return fmt.Errorf("partner must be [id, name]: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("partner must be [id, name], got %d elements", len(pair))
	}
	var out Partner
	if err := json.Unmarshal(pair[0], &out.ID); err != nil {
		return fmt.Errorf("partner id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &out.Name); err != nil {
		return fmt.Errorf("partner name: %w", err)
	}
	*p = out
	return nil
}

// OrderHeader: шапка заказа.
type OrderHeader struct {
	ID      OrderID `json:"id"`
	Name    string  `json:"name"`
	Partner Partner `json:"partner"`
}

// OrderLine: строка заказа в локальном представлении.
type OrderLine struct {
	ID          LineID  `json:"id"`
	Name        string  `json:"name"`
	ProductCode string  `json:"productCode,omitempty"`
	ProductID   int64   `json:"productId,omitempty"`
	Quantity    float64 `json:"quantity"`
}

// OrderSnapshot: последнее известное объединённое состояние сервера и локальных правок кода товара.
type OrderSnapshot struct {
	Order OrderHeader `json:"order"`
	Lines []OrderLine `json:"lines"`
}

// Line возвращает строку по идентификатору.
func (s *OrderSnapshot) Line(id LineID) (*OrderLine, bool) {
	for i := range s.Lines {
		if s.Lines[i].ID == id {
			return &s.Lines[i], true
		}
	}
	return nil, false
}

// ProductUpdate: несинхронизированная правка кода товара в строке.
type ProductUpdate struct {
	ID        string    `json:"id"`
	LineID    LineID    `json:"lineId"`
	OldCode   string    `json:"oldCode"`
	NewCode   string    `json:"newCode"`
	Timestamp time.Time `json:"timestamp"`
	Synced    bool      `json:"synced"`
}

// DeliveryUpdate: несинхронизированная правка количества в строке.
type DeliveryUpdate struct {
	ID        string    `json:"id"`
	LineID    LineID    `json:"lineId"`
	NewQty    float64   `json:"newQty"`
	Timestamp time.Time `json:"timestamp"`
	Synced    bool      `json:"synced"`
}

// PendingLedger: журнал неподтверждённых сервером локальных правок.
type PendingLedger struct {
	ProductUpdates  []ProductUpdate  `json:"productUpdates"`
	DeliveryUpdates []DeliveryUpdate `json:"deliveryUpdates"`
}

// UnsyncedCount возвращает количество записей журнала, ещё не отправленных на сервер.
func (l PendingLedger) UnsyncedCount() int {
	n := 0
	for _, u := range l.ProductUpdates {
		if !u.Synced {
			n++
		}
	}
	for _, u := range l.DeliveryUpdates {
		if !u.Synced {
			n++
		}
	}
	return n
}

// LatestProductUpdate возвращает самую позднюю несинхронизированную правку кода для строки.
func (l PendingLedger) LatestProductUpdate(lineID LineID) (ProductUpdate, bool) {
	var (
		latest ProductUpdate
		found  bool
	)
	for _, u := range l.ProductUpdates {
		if u.Synced || u.LineID != lineID {
			continue
		}
		if !found || !u.Timestamp.Before(latest.Timestamp) {
			latest = u
			found = true
		}
	}
	return latest, found
}

// LatestDeliveryUpdate возвращает самую позднюю несинхронизированную правку количества для строки.
func (l PendingLedger) LatestDeliveryUpdate(lineID LineID) (DeliveryUpdate, bool) {
	var (
		latest DeliveryUpdate
		found  bool
	)
	for _, u := range l.DeliveryUpdates {
		if u.Synced || u.LineID != lineID {
			continue
		}
		if !found || !u.Timestamp.Before(latest.Timestamp) {
			latest = u
			found = true
		}
	}
	return latest, found
}

// RecordMeta: служебные поля записи.
type RecordMeta struct {
	Version      int        `json:"version"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	Revision     int64      `json:"revision"`
	SyncStatus   SyncStatus `json:"syncStatus"`
}

// OrderRecord: единица хранения локального кэша заказов.
type OrderRecord struct {
	Meta     RecordMeta    `json:"meta"`
	Snapshot OrderSnapshot `json:"snapshot"`
	Pending  PendingLedger `json:"pending"`
}

// NewOrderRecord создаёт пустую запись для заказа.
func NewOrderRecord(id OrderID, now time.Time) *OrderRecord {
	return &OrderRecord{
		Meta: RecordMeta{
			Version:    RecordSchemaVersion,
			CreatedAt:  now,
			UpdatedAt:  now,
			SyncStatus: SyncStatusLocalOnly,
		},
		Snapshot: OrderSnapshot{
			Order: OrderHeader{ID: id},
			Lines: []OrderLine{},
		},
		Pending: PendingLedger{
			ProductUpdates:  []ProductUpdate{},
			DeliveryUpdates: []DeliveryUpdate{},
		},
	}
}

// Touch фиксирует мутацию: увеличивает ревизию и обновляет UpdatedAt.
func (r *OrderRecord) Touch(now time.Time) {
	r.Meta.Revision++
	r.Meta.UpdatedAt = now
}

// Clone возвращает глубокую копию записи.
func (r *OrderRecord) Clone() *OrderRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Meta.LastSyncedAt != nil {
		at := *r.Meta.LastSyncedAt
		out.Meta.LastSyncedAt = &at
	}
	out.Snapshot.Lines = append([]OrderLine(nil), r.Snapshot.Lines...)
	out.Pending.ProductUpdates = append([]ProductUpdate(nil), r.Pending.ProductUpdates...)
	out.Pending.DeliveryUpdates = append([]DeliveryUpdate(nil), r.Pending.DeliveryUpdates...)
	return &out
}

var bracketCodePattern = regexp.MustCompile(`^\s*\[[^\]]*\]\s*`)

// ReplaceBracketCode подставляет код товара в квадратных скобках в начало отображаемого имени.
// "[A1] Widget" + "B2" → "[B2] Widget"; "Widget" + "B2" → "[B2] Widget".
func ReplaceBracketCode(name, code string) string {
	rest := bracketCodePattern.ReplaceAllString(name, "")
	code = strings.TrimSpace(code)
	if code == "" {
		return rest
	}
	if rest == "" {
		return "[" + code + "]"
	}
	return "[" + code + "] " + rest
}

// BracketCode извлекает код товара из отображаемого имени "[CODE] Name".
func BracketCode(name string) string {
	m := bracketCodePattern.FindString(name)
	if m == "" {
		return ""
	}
	m = strings.TrimSpace(m)
	return strings.TrimSpace(m[1 : len(m)-1])
}
