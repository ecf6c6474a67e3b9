package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/clinic-booking-queue/internal/db"
	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("APP_ENV"))

	doctors := flag.Int("doctors", 20, "doctors to create")
	clinics := flag.Int("clinics", 5, "clinics to create")
	patients := flag.Int("patients", 2000, "patients to create")
	flag.Parse()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Error("POSTGRES_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, 4)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	if err := seedDoctors(context.Background(), logger, pool, faker, *doctors); err != nil {
		logger.Error("seed doctors", "error", err)
		os.Exit(1)
	}
	if err := seedClinics(context.Background(), logger, pool, faker, *clinics); err != nil {
		logger.Error("seed clinics", "error", err)
		os.Exit(1)
	}
	if err := seedPatients(context.Background(), logger, pool, faker, *patients); err != nil {
		logger.Error("seed patients", "error", err)
		os.Exit(1)
	}

	logger.Info("seed complete")
}

func seedDoctors(ctx context.Context, logger *logging.Logger, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) error {
	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := 0; i < count; i++ {
		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, uuid.New(), "Dr. "+faker.Name(), specialties[faker.Number(0, len(specialties)-1)])
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	logger.Info("doctors seeded", "count", count)
	return nil
}

func seedClinics(ctx context.Context, logger *logging.Logger, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := 0; i < count; i++ {
		_, err := tx.Exec(ctx, `
			INSERT INTO clinics (id, name, city, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, uuid.New(), faker.Company()+" Clinic", faker.City())
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	logger.Info("clinics seeded", "count", count)
	return nil
}

func seedPatients(ctx context.Context, logger *logging.Logger, pool *pgxpool.Pool, faker *gofakeit.Faker, count int) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			// phones are unique; the uuid suffix keeps reruns from colliding
			phone := faker.Numerify("+91##########") + "-" + uuid.NewString()[:4]
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, phone, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, uuid.New(), faker.Name(), phone)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logger.Info("patients seeded", "done", end, "total", count)
	}
	return nil
}
