// Command provision creates or refreshes the password accounts of class
// teachers and class representatives from a YAML file.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/unipermit/unipermit-api/internal/models"
	"github.com/unipermit/unipermit-api/internal/repository"
	"github.com/unipermit/unipermit-api/pkg/config"
	"github.com/unipermit/unipermit-api/pkg/database"
	"github.com/unipermit/unipermit-api/pkg/logger"
)

type userUpserter interface {
	UpsertByEmail(ctx context.Context, user *models.User) error
}

func main() {
	defaultFile := os.Getenv("PROVISION_FILE")
	if defaultFile == "" {
		defaultFile = "accounts.yaml"
	}
	file := flag.String("file", defaultFile, "accounts YAML file")
	dryRun := flag.Bool("dry-run", false, "validate the file without writing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg.Env, cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	accounts, err := loadAccounts(*file)
	if err != nil {
		logr.Fatal("failed to load accounts", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if *dryRun {
		if _, err := provision(ctx, nil, accounts, bcrypt.MinCost); err != nil {
			logr.Fatal("invalid accounts file", zap.Error(err))
		}
		logr.Info("accounts file is valid", zap.Int("accounts", len(accounts)))
		return
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			logr.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	count, err := provision(ctx, repository.NewUserRepository(db), accounts, bcrypt.DefaultCost)
	if err != nil {
		logr.Fatal("provisioning failed", zap.Error(err), zap.Int("provisioned", count))
	}
	logr.Info("accounts provisioned", zap.Int("accounts", count), zap.String("file", *file))
}

// provision validates every account before writing any. A nil store only validates.
func provision(ctx context.Context, store userUpserter, accounts []account, cost int) (int, error) {
	users := make([]*models.User, 0, len(accounts))
	for _, a := range accounts {
		user, err := a.toUser(cost)
		if err != nil {
			return 0, err
		}
		users = append(users, user)
	}
	if store == nil {
		return 0, nil
	}
	for i, user := range users {
		if err := store.UpsertByEmail(ctx, user); err != nil {
			return i, err
		}
	}
	return len(users), nil
}
