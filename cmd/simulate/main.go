package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookingRatio  float64
	DecisionRatio float64
	ReadRatio     float64
	ProviderLimit int
	DaysAhead     int
	AmountCents   int64
	PostgresDSN   string
	Location      *time.Location
}

type DataPool struct {
	Providers []uuid.UUID
	mu        sync.RWMutex
	bookings  []uuid.UUID // created booking IDs
}

func (dp *DataPool) AddBooking(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bookings = append(dp.bookings, id)
}

func (dp *DataPool) RandomBooking(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bookings) == 0 {
		return uuid.Nil, false
	}
	return dp.bookings[rng.Intn(len(dp.bookings))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	ListSlots    OperationMetrics
	Booking      OperationMetrics
	Accept       OperationMetrics
	Reject       OperationMetrics
	Propose      OperationMetrics
	ReadByID     OperationMetrics
	ListRequests OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fatalLog := logging.New("dev", "info", "simulate")
		fatalLog.Fatal().Err(err).Msg("failed to load base config")
	}
	log := logging.New(baseCfg.Env, baseCfg.LogLevel, "simulate")
	log.Info().Msg("simulator starting")

	cfg := loadConfig(baseCfg)
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("decision", cfg.DecisionRatio).
		Float64("read", cfg.ReadRatio).
		Msg("config")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("providers", len(dataPool.Providers)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		BookingRatio:  getFloat("SIM_BOOKING_RATIO", 0.5),
		DecisionRatio: getFloat("SIM_DECISION_RATIO", 0.2),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.3),
		ProviderLimit: getInt("SIM_PROVIDER_LIMIT", 50),
		DaysAhead:     getInt("SIM_DAYS_AHEAD", 7),
		AmountCents:   int64(getInt("SIM_AMOUNT_CENTS", 0)),
		PostgresDSN:   base.PostgresDSN,
		Location:      base.Location(),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.DecisionRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.DecisionRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.DaysAhead <= 0 {
		return errors.New("SIM_DAYS_AHEAD must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `
		SELECT DISTINCT p.id
		FROM providers p
		JOIN weekly_availability wa ON wa.provider_id = p.id AND wa.active
		LIMIT $1
	`, cfg.ProviderLimit)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	defer rows.Close()

	dataPool := &DataPool{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Providers = append(dataPool.Providers, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(dataPool.Providers) == 0 {
		return nil, errors.New("no providers with availability loaded, run cmd/seed first")
	}
	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	seed := time.Now().UnixNano() + int64(workerID)
	rng := rand.New(rand.NewSource(seed))
	faker := gofakeit.New(uint64(seed))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng, faker)
			case r < s.config.BookingRatio+s.config.DecisionRatio:
				switch rng.Intn(3) {
				case 0:
					s.doAccept(ctx, rng)
				case 1:
					s.doReject(ctx, rng)
				case 2:
					s.doPropose(ctx, rng)
				}
			default:
				if rng.Intn(2) == 0 {
					s.doReadByID(ctx, rng)
				} else {
					s.doListRequests(ctx, rng)
				}
			}
		}
	}
}

func (s *Simulator) randomProvider(rng *rand.Rand) uuid.UUID {
	return s.pool.Providers[rng.Intn(len(s.pool.Providers))]
}

func (s *Simulator) randomDate(rng *rand.Rand) appointment.Date {
	today := appointment.DateOf(time.Now().In(s.config.Location))
	return today.AddDays(1 + rng.Intn(s.config.DaysAhead))
}

// fetchSlots returns the bookable times of one provider day.
func (s *Simulator) fetchSlots(ctx context.Context, providerID uuid.UUID, date appointment.Date) ([]appointment.TimeOfDay, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/providers/%s/slots?date=%s", s.config.APIBaseURL, providerID, date)

	var out api.SlotsResponse
	status, err := s.call(ctx, http.MethodGet, url, nil, &out)
	s.metrics.ListSlots.Record(time.Since(start), err == nil && status == http.StatusOK, false)
	if err != nil {
		return nil, err
	}

	var free []appointment.TimeOfDay
	for _, slot := range out.Slots {
		if slot.Status == appointment.SlotAvailable {
			free = append(free, slot.Time)
		}
	}
	return free, nil
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand, faker *gofakeit.Faker) {
	providerID := s.randomProvider(rng)
	date := s.randomDate(rng)

	free, err := s.fetchSlots(ctx, providerID, date)
	if err != nil || len(free) == 0 {
		return
	}
	// Bias towards the first slots of the day so workers collide.
	slot := free[rng.Intn(min(len(free), 3))]

	req := api.CreateBookingRequest{
		ProviderID: providerID.String(),
		Date:       date.String(),
		Time:       slot.String(),
		Patient: appointment.PatientInfo{
			Name:    faker.Name(),
			Contact: faker.Phone(),
		},
		AmountCents: s.config.AmountCents,
		Visitor:     appointment.Visitor{ID: faker.UUID(), Channel: "simulate"},
	}
	if req.AmountCents > 0 {
		req.Method = "pix"
	}

	start := time.Now()
	var out appointment.BookingResult
	status, err := s.call(ctx, http.MethodPost, s.config.APIBaseURL+"/bookings", req, &out)
	latency := time.Since(start)

	success := err == nil && status == http.StatusCreated
	if success && out.Booking != nil {
		s.pool.AddBooking(out.Booking.ID)
	}
	s.metrics.Booking.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) doAccept(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	s.transition(ctx, &s.metrics.Accept, fmt.Sprintf("%s/bookings/%s/accept", s.config.APIBaseURL, id), nil)
}

func (s *Simulator) doReject(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	s.transition(ctx, &s.metrics.Reject, fmt.Sprintf("%s/bookings/%s/reject", s.config.APIBaseURL, id), nil)
}

func (s *Simulator) doPropose(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}
	// Off-grid targets are rejected by the server, so stick to half hours.
	hour := 8 + rng.Intn(10)
	minute := 30 * rng.Intn(2)
	body := api.ProposeTimeRequest{Time: fmt.Sprintf("%02d:%02d", hour, minute)}
	s.transition(ctx, &s.metrics.Propose, fmt.Sprintf("%s/bookings/%s/propose", s.config.APIBaseURL, id), body)
}

func (s *Simulator) transition(ctx context.Context, om *OperationMetrics, url string, body any) {
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, url, body, nil)
	om.Record(time.Since(start), err == nil && status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomBooking(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, fmt.Sprintf("%s/bookings/%s", s.config.APIBaseURL, id), nil, nil)
	s.metrics.ReadByID.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListRequests(ctx context.Context, rng *rand.Rand) {
	providerID := s.randomProvider(rng)

	start := time.Now()
	var out api.RequestsResponse
	status, err := s.call(ctx, http.MethodGet, fmt.Sprintf("%s/providers/%s/requests", s.config.APIBaseURL, providerID), nil, &out)
	s.metrics.ListRequests.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

// call sends a JSON request and decodes a 2xx body into out when out is
// non-nil. Transport errors return status 0.
func (s *Simulator) call(ctx context.Context, method, url string, body, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Providers: %d\n", len(s.pool.Providers))
	fmt.Println()

	printOperationReport("List slots", &s.metrics.ListSlots)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Accept", &s.metrics.Accept)
	printOperationReport("Reject", &s.metrics.Reject)
	printOperationReport("Propose new time", &s.metrics.Propose)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List requests", &s.metrics.ListRequests)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
