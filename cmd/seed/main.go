package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-scheduling/internal/appointment"
	"github.com/hackgods/consultation-scheduling/internal/config"
	"github.com/hackgods/consultation-scheduling/internal/db"
	"github.com/hackgods/consultation-scheduling/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.LogLevel, cfg.Env)
	log.Info().Msg("seed starting")

	if cfg.StoreDriver != config.StorePostgres {
		log.Fatal().Str("store", cfg.StoreDriver).Msg("seed requires STORE_DRIVER=postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.ApplySchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("apply schema")
	}

	gofakeit.Seed(time.Now().UnixNano())

	providers, err := seedProviders(ctx, pool, 50)
	if err != nil {
		log.Fatal().Err(err).Msg("seed providers")
	}
	log.Info().Int("count", len(providers)).Msg("providers seeded")

	if err := seedClients(ctx, pool, 2000, log); err != nil {
		log.Fatal().Err(err).Msg("seed clients")
	}

	store := appointment.NewPgStore(pool)
	dir := appointment.NewPgDirectory(pool)
	svc := appointment.NewService(store, dir, dir, cfg.Policy(), appointment.WithLogger(log))
	for _, id := range providers {
		if _, err := svc.ReplaceTemplates(ctx, appointment.ProviderActor(id), id, randomWeek()); err != nil {
			log.Fatal().Err(err).Str("provider_id", id.String()).Msg("seed templates")
		}
	}
	log.Info().Msg("templates seeded")

	log.Info().Msg("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		status := "APPROVED"
		if gofakeit.Number(1, 10) == 1 {
			status = "PENDING"
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, service_fee, approval_status, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, true, now(), now())
		`, id, gofakeit.Name(), gofakeit.Price(40, 250), status)
		if err != nil {
			return nil, err
		}
		if status == "APPROVED" {
			ids = append(ids, id)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedClients(ctx context.Context, pool *pgxpool.Pool, count int, log zerolog.Logger) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO clients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, uuid.New(), gofakeit.Name(), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Info().Int("seeded", end).Int("total", count).Msg("clients seeded")
	}
	return nil
}

// randomWeek gives each working day a morning block and, most of the
// time, an afternoon block.
func randomWeek() []appointment.TemplateInput {
	var inputs []appointment.TemplateInput
	for wd := appointment.Monday; wd <= appointment.Saturday; wd++ {
		if gofakeit.Number(1, 6) == 1 {
			continue
		}
		startHour := gofakeit.Number(8, 10)
		inputs = append(inputs, appointment.TemplateInput{
			Weekday:   wd,
			StartTime: appointment.Clock(startHour, 0),
			EndTime:   appointment.Clock(12, 30),
		})
		if gofakeit.Bool() || wd < appointment.Saturday {
			inputs = append(inputs, appointment.TemplateInput{
				Weekday:   wd,
				StartTime: appointment.Clock(13, 30),
				EndTime:   appointment.Clock(gofakeit.Number(17, 19), 0),
			})
		}
	}
	return inputs
}
