package main

import (
	"context"
	"flag"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

var specialties = []string{
	"Dermatologia",
	"Cardiologia",
	"Clínica Geral",
	"Ortopedia",
	"Endocrinologia",
	"Neurologia",
	"Pediatria",
	"Psiquiatria",
	"Oftalmologia",
	"Otorrinolaringologia",
}

var blockReasons = []string{"Congresso", "Férias", "Plantão hospitalar", "Curso", "Compromisso pessoal"}

// shift is one weekly availability window.
type shift struct {
	start, end string
	minutes    int
}

func main() {
	providers := flag.Int("providers", 20, "number of providers to create")
	blockDays := flag.Int("block-days", 30, "days ahead to scatter blocked intervals over")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatalLog := logging.New("dev", "info", "seed")
		fatalLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel, "seed")
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if _, err := db.NewMigrator(pool, db.Migrations()).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	ids, err := seedProviders(ctx, pool, faker, *providers, log)
	if err != nil {
		log.Fatal().Err(err).Msg("seed providers")
	}
	if err := seedBlocks(ctx, pool, faker, ids, *blockDays, cfg.Location(), log); err != nil {
		log.Fatal().Err(err).Msg("seed blocked intervals")
	}

	log.Info().Int("providers", len(ids)).Msg("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, log zerolog.Logger) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding providers")

	// Split days get a lunch gap; some providers also work Saturday mornings.
	templates := [][]shift{
		{{"08:00", "12:00", 30}, {"14:00", "18:00", 30}},
		{{"09:00", "13:00", 20}, {"14:00", "17:00", 20}},
		{{"07:30", "11:30", 60}},
		{{"13:00", "19:00", 45}},
	}

	var ids []uuid.UUID
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			id := uuid.New()
			name := "Dr(a). " + faker.Name()
			spec := specialties[faker.Number(0, len(specialties)-1)]

			if _, err := tx.Exec(ctx, `
				INSERT INTO providers (id, name, specialty, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, spec); err != nil {
				return err
			}

			shifts := templates[faker.Number(0, len(templates)-1)]
			for day := time.Monday; day <= time.Friday; day++ {
				for _, s := range shifts {
					if err := insertWindow(ctx, tx, id, day, s); err != nil {
						return err
					}
				}
			}
			if faker.Bool() {
				if err := insertWindow(ctx, tx, id, time.Saturday, shift{"08:00", "12:00", 30}); err != nil {
					return err
				}
			}

			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Msg("providers seeded")
	return ids, nil
}

func insertWindow(ctx context.Context, tx pgx.Tx, providerID uuid.UUID, day time.Weekday, s shift) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO weekly_availability (id, provider_id, day_of_week, start_time, end_time, slot_duration_minutes, active)
		VALUES ($1, $2, $3, $4::time, $5::time, $6, true)
	`, uuid.New(), providerID, int(day), s.start, s.end, s.minutes)
	return err
}

func seedBlocks(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, providers []uuid.UUID, days int, loc *time.Location, log zerolog.Logger) error {
	if days <= 0 {
		return nil
	}
	today := time.Now().In(loc)
	count := 0

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, id := range providers {
			n := faker.Number(0, 3)
			for i := 0; i < n; i++ {
				y, m, d := today.AddDate(0, 0, faker.Number(1, days)).Date()
				date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
				reason := blockReasons[faker.Number(0, len(blockReasons)-1)]

				var start, end *string
				if faker.Bool() {
					s, e := "08:00", "12:00"
					if faker.Bool() {
						s, e = "14:00", "18:00"
					}
					start, end = &s, &e
				}

				if _, err := tx.Exec(ctx, `
					INSERT INTO blocked_intervals (id, provider_id, block_date, start_time, end_time, reason)
					VALUES ($1, $2, $3, $4::time, $5::time, $6)
				`, uuid.New(), id, date, start, end, reason); err != nil {
					return err
				}
				count++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Int("count", count).Msg("blocked intervals seeded")
	return nil
}
