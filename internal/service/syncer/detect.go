package syncer

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fieldsync/internal/domain"
)

// quantityEpsilon: допуск сравнения количеств.
const quantityEpsilon = 0.001

// detectConflicts сравнивает локальную запись с сервером. Конфликт возможен только
// для записи, уже синхронизированной ранее, если сервер писал позже LastSyncedAt.
func detectConflicts(record *domain.OrderRecord, order domain.RemoteOrder, lines []domain.RemoteLine, now time.Time) []domain.SyncConflict {
	if record == nil || record.Meta.LastSyncedAt == nil {
		return nil
	}
	lastSynced := *record.Meta.LastSyncedAt
	local := record.Snapshot
	var conflicts []domain.SyncConflict

	if order.WriteDate.After(lastSynced) && (order.Name != local.Order.Name || order.Partner != local.Order.Partner) {
		localPartner := local.Order.Partner
		serverPartner := order.Partner
		conflicts = append(conflicts, domain.SyncConflict{
			ID:         uuid.NewString(),
			Type:       domain.ConflictOrderModified,
			OrderID:    local.Order.ID,
			LocalData:  domain.ConflictValue{Name: local.Order.Name, Partner: &localPartner},
			ServerData: domain.ConflictValue{Name: order.Name, Partner: &serverPartner},
			Timestamp:  now,
		})
	}

	for _, serverLine := range lines {
		if !serverLine.WriteDate.After(lastSynced) {
			continue
		}
		localLine, ok := local.Line(serverLine.ID)
		if !ok {
			continue
		}
		lineID := serverLine.ID

		localQty := localLine.Quantity
		if update, ok := record.Pending.LatestDeliveryUpdate(lineID); ok {
			localQty = update.NewQty
		}
		if math.Abs(localQty-serverLine.Quantity) > quantityEpsilon {
			lq, sq := localQty, serverLine.Quantity
			conflicts = append(conflicts, domain.SyncConflict{
				ID:         uuid.NewString(),
				Type:       domain.ConflictLineModified,
				OrderID:    local.Order.ID,
				LineID:     &lineID,
				LocalData:  domain.ConflictValue{Name: localLine.Name, Quantity: &lq},
				ServerData: domain.ConflictValue{Name: serverLine.Name, Quantity: &sq},
				Timestamp:  now,
			})
		}

		if update, ok := record.Pending.LatestProductUpdate(lineID); ok {
			serverCode := remoteLineCode(serverLine)
			if serverCode != update.OldCode && serverCode != update.NewCode {
				conflicts = append(conflicts, domain.SyncConflict{
					ID:         uuid.NewString(),
					Type:       domain.ConflictProductUpdated,
					OrderID:    local.Order.ID,
					LineID:     &lineID,
					LocalData:  domain.ConflictValue{Name: localLine.Name, ProductCode: update.NewCode},
					ServerData: domain.ConflictValue{Name: serverLine.Name, ProductCode: serverCode},
					Timestamp:  now,
				})
			}
		}
	}
	return conflicts
}

func remoteLineCode(line domain.RemoteLine) string {
	if line.ProductCode != "" {
		return line.ProductCode
	}
	return domain.BracketCode(line.Name)
}

func toOrderHeader(order domain.RemoteOrder) domain.OrderHeader {
	return domain.OrderHeader{ID: order.ID, Name: order.Name, Partner: order.Partner}
}

func toOrderLines(lines []domain.RemoteLine) []domain.OrderLine {
	out := make([]domain.OrderLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, domain.OrderLine{
			ID:          line.ID,
			Name:        line.Name,
			ProductCode: remoteLineCode(line),
			ProductID:   line.ProductID,
			Quantity:    line.Quantity,
		})
	}
	return out
}
