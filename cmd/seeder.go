package cmd

import (
	"fmt"
	"log"

	"github.com/mooses23/gemachhub/pkg/db"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// seedTables are cleared child-first by --clear.
var seedTables = []string{
	"webhook_events",
	"audit_logs",
	"payments",
	"transactions",
	"inventory",
	"location_payment_methods",
	"users",
	"payment_methods",
	"locations",
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample locations, payment methods, stock and staff users for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		client, err := db.Open(db.Options{DSN: cfg.Database.GetDSN(), MaxOpenConns: 2, MaxIdleConns: 1})
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer client.Close()
		conn := client.DB()

		if clearData {
			for _, table := range seedTables {
				if err := conn.Exec(fmt.Sprintf("DELETE FROM %s", table)).Error; err != nil {
					log.Fatalf("failed to clear %s: %v", table, err)
				}
			}
			fmt.Println("Cleared existing data")
		}

		methods := []struct {
			Name        string
			DisplayName string
			FeeBps      int
			RequiresAPI bool
		}{
			{"cash", "Cash", 0, false},
			{"stripe", "Card (Stripe)", 300, true},
			{"paypal", "PayPal", 350, true},
		}
		for _, m := range methods {
			var exists int
			if err := conn.Raw("SELECT 1 FROM payment_methods WHERE name = ?", m.Name).Row().Scan(&exists); err == nil {
				continue
			}
			if err := conn.Exec(
				"INSERT INTO payment_methods (name, display_name, is_active, processing_fee_bps, fixed_fee, requires_api, created_at, updated_at) VALUES (?, ?, true, ?, 0, ?, now(), now())",
				m.Name, m.DisplayName, m.FeeBps, m.RequiresAPI,
			).Error; err != nil {
				log.Fatalf("failed to insert payment method %s: %v", m.Name, err)
			}
			fmt.Println("Seeded payment method:", m.Name)
		}

		locations := []struct {
			Code    string
			Name    string
			Address string
			Email   string
			Deposit string
			Methods []string
			Stock   map[string]int
		}{
			{
				Code: "BP-01", Name: "Boro Park", Address: "1 Main St, Brooklyn", Email: "boropark@gemachhub.test",
				Deposit: "20.00", Methods: []string{"cash", "stripe"},
				Stock: map[string]int{"black": 10, "white": 6, "gray": 4},
			},
			{
				Code: "LW-01", Name: "Lakewood", Address: "2 Clifton Ave, Lakewood", Email: "lakewood@gemachhub.test",
				Deposit: "25.00", Methods: []string{"cash", "stripe", "paypal"},
				Stock: map[string]int{"black": 8, "blue": 5},
			},
		}

		for _, l := range locations {
			locationID := ensureLocation(conn, l.Code, l.Name, l.Address, l.Email, l.Deposit)
			for i, name := range l.Methods {
				if err := conn.Exec(
					"INSERT INTO location_payment_methods (location_id, payment_method_id, sort_order, is_enabled, created_at) SELECT ?, id, ?, true, now() FROM payment_methods WHERE name = ? ON CONFLICT DO NOTHING",
					locationID, i, name,
				).Error; err != nil {
					log.Fatalf("failed to enable %s at %s: %v", name, l.Code, err)
				}
			}
			for color, qty := range l.Stock {
				if err := conn.Exec(
					"INSERT INTO inventory (location_id, color, quantity, updated_at) VALUES (?, ?, ?, now()) ON CONFLICT (location_id, color) DO NOTHING",
					locationID, color, qty,
				).Error; err != nil {
					log.Fatalf("failed to seed %s stock at %s: %v", color, l.Code, err)
				}
			}
			fmt.Printf("Seeded location %s with %d methods and %d colors\n", l.Code, len(l.Methods), len(l.Stock))
		}

		hash, err := bcrypt.GenerateFromPassword([]byte("password"), cfg.Security.BCryptCost)
		if err != nil {
			log.Fatalf("failed to hash seed password: %v", err)
		}

		var boroParkID int64
		if err := conn.Raw("SELECT id FROM locations WHERE code = ?", "BP-01").Row().Scan(&boroParkID); err != nil {
			log.Fatalf("failed to lookup seeded location: %v", err)
		}

		users := []struct {
			Email      string
			Name       string
			Role       string
			LocationID *int64
		}{
			{"admin@gemachhub.test", "Hub Admin", "admin", nil},
			{"operator@gemachhub.test", "Boro Park Operator", "operator", &boroParkID},
		}
		for _, u := range users {
			var exists int
			if err := conn.Raw("SELECT 1 FROM users WHERE email = ?", u.Email).Row().Scan(&exists); err == nil {
				fmt.Println("user already exists:", u.Email)
				continue
			}
			if err := conn.Exec(
				"INSERT INTO users (email, name, password_hash, role, location_id, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, true, now(), now())",
				u.Email, u.Name, string(hash), u.Role, u.LocationID,
			).Error; err != nil {
				log.Fatalf("failed to insert user %s: %v", u.Email, err)
			}
			fmt.Printf("Seeded %s user: %s\n", u.Role, u.Email)
		}

		fmt.Println("Seed data ready")
	},
}

func ensureLocation(conn *gorm.DB, code, name, address, email, deposit string) int64 {
	var id int64
	if err := conn.Raw("SELECT id FROM locations WHERE code = ?", code).Row().Scan(&id); err == nil {
		return id
	}
	if err := conn.Raw(
		"INSERT INTO locations (code, name, address, contact_email, is_active, default_deposit_amount, processing_fee_bps, created_at, updated_at) VALUES (?, ?, ?, ?, true, ?, 0, now(), now()) RETURNING id",
		code, name, address, email, deposit,
	).Row().Scan(&id); err != nil {
		log.Fatalf("failed to insert location %s: %v", code, err)
	}
	return id
}
