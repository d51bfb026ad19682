package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet represents the wallets table. One row per advertising client.
type Wallet struct {
	ClientID             string    `gorm:"primaryKey"`
	BudgetRemainingCents int64     `gorm:"not null;default:0"`
	TotalInvestedCents   int64     `gorm:"not null;default:0"`
	LastTopUpCents       int64     `gorm:"not null;default:0"`
	LastTopUpAt          time.Time `gorm:""`
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

// AdUnit mirrors the ad_units table with its delivery counters.
type AdUnit struct {
	AdID           string    `gorm:"primaryKey"`
	ClientID       string    `gorm:"not null;index:idx_ad_units_client"`
	Clicks         int64     `gorm:"not null;default:0"`
	Views          int64     `gorm:"not null;default:0"`
	TotalCostCents int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (AdUnit) TableName() string { return "ad_units" }

// ClickEvent mirrors the append-only click_events audit table.
type ClickEvent struct {
	EventID          string         `gorm:"type:uuid;primaryKey"`
	AdID             string         `gorm:"not null;index:idx_click_events_ad_created,priority:1"`
	ClientID         string         `gorm:"index:idx_click_events_client"`
	Type             string         `gorm:"not null"`
	CostChargedCents int64          `gorm:"not null"`
	Path             string         `gorm:""`
	Device           string         `gorm:""`
	Location         string         `gorm:""`
	Metadata         datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_click_events_ad_created,priority:2"`
}

func (ClickEvent) TableName() string { return "click_events" }

func (event *ClickEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// TopUpSession mirrors the topup_sessions table. The primary key on the
// provider session id is what makes webhook credits exactly-once.
type TopUpSession struct {
	SessionID   string    `gorm:"primaryKey"`
	ClientID    string    `gorm:"not null;index:idx_topup_sessions_client"`
	AmountCents int64     `gorm:"not null"`
	Status      string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (TopUpSession) TableName() string { return "topup_sessions" }

// ShortLink mirrors the short_links table.
type ShortLink struct {
	ShortCode  string    `gorm:"primaryKey"`
	CampaignID string    `gorm:"index:idx_short_links_campaign"`
	OwnerID    string    `gorm:"index:idx_short_links_owner"`
	TargetURL  string    `gorm:"not null"`
	Clicks     int64     `gorm:"not null;default:0"`
	Active     bool      `gorm:"not null;default:true"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (ShortLink) TableName() string { return "short_links" }

// ReferralCode mirrors the referral_codes table. The primary key on the code
// closes the probe-allocation race.
type ReferralCode struct {
	Code      string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;index:idx_referral_codes_owner"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ReferralCode) TableName() string { return "referral_codes" }

// CodeCounter mirrors the code_counters table backing counter allocation.
type CodeCounter struct {
	ScopeKey  string    `gorm:"primaryKey"`
	Value     int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CodeCounter) TableName() string { return "code_counters" }
