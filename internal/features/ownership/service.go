// Package ownership передаёт владение записью чекина (здание или oval office)
// новому пользователю. Обновление защищено ожидаемым текущим владельцем:
// если запись уже ушла кому-то другому, передача не выполняется.
package ownership

import (
	"context"
	"fmt"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/checkin-bids/internal/common"
	"serotonyl.ru/checkin-bids/internal/datastore"
)

// Типы записей, по которым можно торговаться.
const (
	RecordTypeBuilding   = "building"
	RecordTypeOvalOffice = "oval_office"
)

// tables — таблица хранилища для каждого типа записи.
var tables = map[string]string{
	RecordTypeBuilding:   "building",
	RecordTypeOvalOffice: "oval_office",
}

// IsKnownRecordType проверяет, поддерживается ли тип записи.
func IsKnownRecordType(recordType string) bool {
	_, ok := tables[recordType]
	return ok
}

// Record — минимальная проекция записи: id и владелец.
type Record struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ownerPatch struct {
	Username  string    `json:"username"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service выполняет передачу владения через REST-хранилище.
type Service struct {
	client *datastore.Client
	now    func() time.Time
}

// NewService создаёт сервис передачи владения.
func NewService(client *datastore.Client) *Service {
	return &Service{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// Transfer меняет владельца записи с expectedOwner на newOwner одним PATCH
// с фильтром по текущему владельцу.
//
// Если PATCH не затронул ни одной строки, запись перечитывается:
//   - владелец уже newOwner — передача была выполнена раньше, успех;
//   - записи нет — common.ErrNotFound;
//   - владелец другой — common.ErrStaleRecord.
func (s *Service) Transfer(ctx context.Context, recordID, recordType, newOwner, expectedOwner string) error {
	table, ok := tables[recordType]
	if !ok {
		return common.NewValidationError("record_type", fmt.Sprintf("неизвестный тип записи %q", recordType))
	}
	if recordID == "" {
		return common.NewValidationError("record_id", "не может быть пустым")
	}
	if newOwner == "" || expectedOwner == "" {
		return common.NewValidationError("username", "не может быть пустым")
	}

	filters := url.Values{}
	filters.Set("id", datastore.Eq(recordID))
	filters.Set("username", datastore.Eq(expectedOwner))

	var updated []Record
	patch := ownerPatch{Username: newOwner, UpdatedAt: s.now()}
	if err := s.client.Update(ctx, table, filters, patch, &updated); err != nil {
		return fmt.Errorf("передача %s %s: %w", recordType, recordID, err)
	}

	fields := log.Fields{
		"record_id":   recordID,
		"record_type": recordType,
		"from":        expectedOwner,
		"to":          newOwner,
	}
	if len(updated) > 0 {
		log.WithFields(fields).Info("Владение записью передано")
		return nil
	}

	current, err := s.Get(ctx, recordID, recordType)
	if err != nil {
		return err
	}
	if current.Username == newOwner {
		log.WithFields(fields).Info("Запись уже принадлежит покупателю, передача не требуется")
		return nil
	}

	log.WithFields(fields).WithField("current_owner", current.Username).Warn("Владелец записи изменился")
	return fmt.Errorf("%w: запись %s принадлежит %s, ожидался %s",
		common.ErrStaleRecord, recordID, current.Username, expectedOwner)
}

// Get читает запись по id. Нет записи — common.ErrNotFound.
func (s *Service) Get(ctx context.Context, recordID, recordType string) (*Record, error) {
	table, ok := tables[recordType]
	if !ok {
		return nil, common.NewValidationError("record_type", fmt.Sprintf("неизвестный тип записи %q", recordType))
	}

	q := url.Values{}
	q.Set("id", datastore.Eq(recordID))
	q.Set("select", "id,username,updated_at")
	q.Set("limit", "1")

	var rows []Record
	if err := s.client.Select(ctx, table, q, &rows); err != nil {
		return nil, fmt.Errorf("чтение %s %s: %w", recordType, recordID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s %s", common.ErrNotFound, recordType, recordID)
	}
	return &rows[0], nil
}
