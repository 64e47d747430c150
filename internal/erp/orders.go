package erp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

const (
	orderModel   = "sale.order"
	lineModel    = "sale.order.line"
	productModel = "product.product"

	// openOrderState: состояние подтверждённого заказа, который ещё доставляется.
	openOrderState = "sale"

	writeDateLayout = "2006-01-02 15:04:05"
)

var (
	orderFields = []string{"id", "name", "partner_id", "write_date"}
	lineFields  = []string{"id", "name", "product_id", "product_uom_qty", "write_date"}
)

// many2one — значение поля-ссылки: [id, "display name"] или false.
type many2one struct {
	ID   int64
	Name string
}

func (m *many2one) UnmarshalJSON(data []byte) error {
	var partner domain.Partner
	if err := partner.UnmarshalJSON(data); err != nil {
		return err
	}
	m.ID, m.Name = partner.ID, partner.Name
	return nil
}

// erpTime: время ERP в UTC без зоны; false означает пустое значение.
type erpTime time.Time

func (t *erpTime) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		*t = erpTime{}
		return nil
	}
	parsed, err := time.ParseInLocation(writeDateLayout, s, time.UTC)
	if err != nil {
		return fmt.Errorf("parse write_date %q: %w", s, err)
	}
	*t = erpTime(parsed)
	return nil
}

type orderRow struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Partner   many2one `json:"partner_id"`
	WriteDate erpTime  `json:"write_date"`
}

func (r orderRow) remote() domain.RemoteOrder {
	return domain.RemoteOrder{
		ID:        r.ID,
		Name:      r.Name,
		Partner:   domain.Partner{ID: r.Partner.ID, Name: r.Partner.Name},
		WriteDate: time.Time(r.WriteDate),
	}
}

type lineRow struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Product   many2one `json:"product_id"`
	Quantity  float64  `json:"product_uom_qty"`
	WriteDate erpTime  `json:"write_date"`
}

func (r lineRow) remote() domain.RemoteLine {
	code := domain.BracketCode(r.Product.Name)
	if code == "" {
		code = domain.BracketCode(r.Name)
	}
	return domain.RemoteLine{
		ID:          r.ID,
		Name:        r.Name,
		ProductID:   r.Product.ID,
		ProductCode: code,
		Quantity:    r.Quantity,
		WriteDate:   time.Time(r.WriteDate),
	}
}

// ListOpenOrders возвращает подтверждённые заказы.
func (c *Client) ListOpenOrders(ctx context.Context) ([]domain.RemoteOrder, error) {
	var rows []orderRow
	domainFilter := []any{[]any{"state", "=", openOrderState}}
	kwargs := map[string]any{"fields": orderFields, "order": "id asc"}
	if err := c.callKW(ctx, orderModel, "search_read", []any{domainFilter}, kwargs, &rows); err != nil {
		return nil, err
	}
	orders := make([]domain.RemoteOrder, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.remote())
	}
	return orders, nil
}

// ReadOrder читает шапку заказа.
func (c *Client) ReadOrder(ctx context.Context, id domain.OrderID) (domain.RemoteOrder, error) {
	var rows []orderRow
	kwargs := map[string]any{"fields": orderFields}
	if err := c.callKW(ctx, orderModel, "read", []any{[]int64{id}}, kwargs, &rows); err != nil {
		return domain.RemoteOrder{}, err
	}
	if len(rows) == 0 {
		return domain.RemoteOrder{}, &domain.RemoteError{Method: orderModel + ".read", Message: fmt.Sprintf("order %d: %v", id, errNotFound)}
	}
	return rows[0].remote(), nil
}

// GetOrderLines возвращает строки заказа.
func (c *Client) GetOrderLines(ctx context.Context, orderID domain.OrderID) ([]domain.RemoteLine, error) {
	var rows []lineRow
	domainFilter := []any{[]any{"order_id", "=", orderID}}
	kwargs := map[string]any{"fields": lineFields, "order": "id asc"}
	if err := c.callKW(ctx, lineModel, "search_read", []any{domainFilter}, kwargs, &rows); err != nil {
		return nil, err
	}
	lines := make([]domain.RemoteLine, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, row.remote())
	}
	return lines, nil
}

// UpdateLineQuantity записывает количество в строку.
func (c *Client) UpdateLineQuantity(ctx context.Context, lineID domain.LineID, qty float64) error {
	values := map[string]any{"product_uom_qty": qty}
	return c.write(ctx, lineModel, lineID, values)
}

// UpdateProductCode привязывает строку к товару с артикулом code и подставляет
// код в отображаемое имя строки.
func (c *Client) UpdateProductCode(ctx context.Context, lineID domain.LineID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return &domain.RemoteError{Method: lineModel + ".write", Message: "empty product code"}
	}

	var products []struct {
		ID int64 `json:"id"`
	}
	productFilter := []any{[]any{"default_code", "=", code}}
	kwargs := map[string]any{"fields": []string{"id"}, "limit": 1}
	if err := c.callKW(ctx, productModel, "search_read", []any{productFilter}, kwargs, &products); err != nil {
		return err
	}
	if len(products) == 0 {
		return &domain.RemoteError{Method: productModel + ".search_read", Message: fmt.Sprintf("product %q: %v", code, errNotFound)}
	}

	var lines []lineRow
	if err := c.callKW(ctx, lineModel, "read", []any{[]int64{lineID}}, map[string]any{"fields": lineFields}, &lines); err != nil {
		return err
	}
	if len(lines) == 0 {
		return &domain.RemoteError{Method: lineModel + ".read", Message: fmt.Sprintf("line %d: %v", lineID, errNotFound)}
	}

	values := map[string]any{
		"product_id": products[0].ID,
		"name":       domain.ReplaceBracketCode(lines[0].Name, code),
	}
	return c.write(ctx, lineModel, lineID, values)
}

func (c *Client) write(ctx context.Context, model string, id int64, values map[string]any) error {
	var ok bool
	if err := c.callKW(ctx, model, "write", []any{[]int64{id}, values}, nil, &ok); err != nil {
		return err
	}
	if !ok {
		return &domain.RemoteError{Method: model + ".write", Message: fmt.Sprintf("record %d was not updated", id)}
	}
	c.logger.WithFields(log.Fields{"model": model, "id": id}).Debug("ERP record updated")
	return nil
}
