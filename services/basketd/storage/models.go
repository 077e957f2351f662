package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SagaRow is the persisted header of one mint or burn saga.
type SagaRow struct {
	RequestID string `gorm:"primaryKey;size:128"`
	Kind      string `gorm:"size:8;index"`
	TokenID   string `gorm:"size:64;index"`
	Requester string `gorm:"size:64"`
	Amount    string `gorm:"size:80"`
	State     string `gorm:"size:32;index"`
	Reason    string `gorm:"type:text"`
	Note      string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
	Steps     []SagaStepRow `gorm:"foreignKey:RequestID;references:RequestID"`
}

// SagaStepRow records one step outcome. Seq preserves execution order.
type SagaStepRow struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID   string    `gorm:"size:128;index:idx_saga_step_seq,priority:1"`
	Seq         int       `gorm:"index:idx_saga_step_seq,priority:2"`
	Name        string    `gorm:"size:32"`
	Attempted   bool
	Succeeded   bool
	Unconfirmed bool
	LedgerTxRef string `gorm:"size:128"`
	Amount      string `gorm:"size:80"`
	Detail      string `gorm:"size:128"`
	Error       string `gorm:"type:text"`
	At          time.Time
}

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SagaRow{},
		&SagaStepRow{},
	)
}
