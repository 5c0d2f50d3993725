// Command seed-user registers a login account for the spec-drafter API.
//
// Usage:
//
//	seed-user -name "Ana Lima" -email ana@example.com -password 's3cretpass'
//
// The database is taken from DATABASE_URL (or .env), the same as the API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/config"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/database"
	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
)

const (
	minPasswordLength = 8
	bcryptCost        = 10
)

var (
	emailPattern  = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	letterPattern = regexp.MustCompile(`[a-zA-Z]`)
	digitPattern  = regexp.MustCompile(`[0-9]`)
)

// userCreator is the slice of database.UserRepository seeding needs
type userCreator interface {
	CreateUser(ctx context.Context, name, email, hashedPassword string) (*models.User, error)
}

func main() {
	name := flag.String("name", "", "Full name of the user (required)")
	email := flag.String("email", "", "Email address used to log in (required)")
	password := flag.String("password", "", "Password, at least 8 chars with a letter and a digit (required)")
	flag.Parse()

	if err := validateInputs(*name, *email, *password); err != nil {
		log.Fatalf("Validation error: %v", err)
	}

	shutdown, err := initTracer()
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Printf("Failed to flush traces: %v", err)
		}
	}()

	cfg := config.LoadConfig()

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := database.CreateTables(ctx, pool); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}

	user, err := seedUser(ctx, database.NewUserRepository(pool), *name, *email, *password)
	if errors.Is(err, database.ErrUserExists) {
		log.Fatalf("A user with email %s is already registered", database.NormalizeEmail(*email))
	}
	if err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}

	log.Printf(`{"level":"info","message":"user seeded","user_id":"%s","email":"%s"}`, user.ID, user.Email)
}

// validateInputs applies the account rules before anything touches the database
func validateInputs(name, email, password string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required and cannot be empty")
	}
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		return fmt.Errorf("invalid email format: %s", email)
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", minPasswordLength)
	}
	if !letterPattern.MatchString(password) || !digitPattern.MatchString(password) {
		return fmt.Errorf("password must contain at least one letter and one number")
	}
	return nil
}

// seedUser hashes the password and stores the account
func seedUser(ctx context.Context, users userCreator, name, email, password string) (*models.User, error) {
	ctx, span := otel.Tracer("seed-user").Start(ctx, "seed_user")
	defer span.End()

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := users.CreateUser(ctx, name, email, string(hashed))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return user, nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
