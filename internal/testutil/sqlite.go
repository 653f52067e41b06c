package testutil

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	auditDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/audit"
	inventoryDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/inventory"
	locationDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/location"
	paymentDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/payment"
	transactionDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/transaction"
	userDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/user"
	webhookDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/webhook"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every row struct the service persists.
func Models() []interface{} {
	return []interface{}{
		&locationDatamodel.Location{},
		&locationDatamodel.PaymentMethod{},
		&locationDatamodel.LocationPaymentMethod{},
		&inventoryDatamodel.Inventory{},
		&transactionDatamodel.Transaction{},
		&paymentDatamodel.Payment{},
		&auditDatamodel.AuditLog{},
		&webhookDatamodel.WebhookEvent{},
		&userDatamodel.User{},
	}
}

// OpenSQLite returns a private, fully migrated in-memory database. Each call
// gets its own named shared-cache database so a transaction and the pool see
// the same data, and the pool is pinned to one connection.
func OpenSQLite() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	return db, nil
}

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// SeedLocation inserts an active location accepting the given methods, in order.
func SeedLocation(db *gorm.DB, code string, feeBps int, methods ...string) (*locationDatamodel.Location, error) {
	loc := &locationDatamodel.Location{
		Code:                 code,
		Name:                 "Gemach " + code,
		IsActive:             true,
		DefaultDepositAmount: decimal.NewFromInt(20),
		ProcessingFeeBps:     feeBps,
	}
	if err := db.Create(loc).Error; err != nil {
		return nil, err
	}
	for i, name := range methods {
		method, err := ensureMethod(db, name)
		if err != nil {
			return nil, err
		}
		link := &locationDatamodel.LocationPaymentMethod{
			LocationID:      loc.ID,
			PaymentMethodID: method.ID,
			SortOrder:       i,
			IsEnabled:       true,
		}
		if err := db.Create(link).Error; err != nil {
			return nil, err
		}
	}
	return loc, nil
}

func ensureMethod(db *gorm.DB, name string) (*locationDatamodel.PaymentMethod, error) {
	var method locationDatamodel.PaymentMethod
	err := db.Where("name = ?", name).First(&method).Error
	if err == nil {
		return &method, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	method = locationDatamodel.PaymentMethod{
		Name:        name,
		DisplayName: name,
		IsActive:    true,
		RequiresAPI: name != "cash",
	}
	if name != "cash" {
		method.ProcessingFeeBps = 300
	}
	if err := db.Create(&method).Error; err != nil {
		return nil, err
	}
	return &method, nil
}
