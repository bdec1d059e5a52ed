package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-scheduling/internal/appointment"
	"github.com/hackgods/consultation-scheduling/internal/logging"
)

type SimConfig struct {
	Duration    time.Duration
	Workers     int
	Providers   int
	Clients     int
	HorizonDays int
	CreateRatio float64
	CancelRatio float64
	ModifyRatio float64
}

type DataPool struct {
	Providers    []uuid.UUID
	Clients      []uuid.UUID
	mu           sync.RWMutex
	appointments []*appointment.Appointment
}

func (dp *DataPool) AddAppointment(a *appointment.Appointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (*appointment.Appointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Policy    int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch appointment.KindOf(err) {
	case "":
		if err == nil {
			atomic.AddInt64(&om.Success, 1)
		} else {
			atomic.AddInt64(&om.Error, 1)
		}
	case appointment.KindConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Policy, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95, p99 time.Duration) {
	om.mu.Lock()
	latencies := slices.Clone(om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0, 0
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	pct := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], pct(50), pct(95), pct(99)
}

type Metrics struct {
	Create OperationMetrics
	Cancel OperationMetrics
	Modify OperationMetrics
	Slots  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	store   *appointment.MemoryStore
	svc     *appointment.Service
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	log := logging.New(getEnv("LOG_LEVEL", "warn"), getEnv("APP_ENV", "dev"))

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("providers", cfg.Providers).
		Int("clients", cfg.Clients).
		Msg("simulator starting")

	sim, err := newSimulator(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("setup simulation")
	}

	sim.Run()
	sim.PrintReport()

	if violations := sim.VerifyNoOverlap(); len(violations) > 0 {
		for _, v := range violations {
			fmt.Println("OVERLAP:", v)
		}
		os.Exit(1)
	}
	fmt.Println("no-overlap check passed")
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		Duration:    getDuration("SIM_DURATION", 10*time.Second),
		Workers:     getInt("SIM_WORKERS", 16),
		Providers:   getInt("SIM_PROVIDERS", 5),
		Clients:     getInt("SIM_CLIENTS", 200),
		HorizonDays: getInt("SIM_HORIZON_DAYS", 14),
		CreateRatio: getFloat("SIM_CREATE_RATIO", 0.6),
		CancelRatio: getFloat("SIM_CANCEL_RATIO", 0.15),
		ModifyRatio: getFloat("SIM_MODIFY_RATIO", 0.15),
	}

	total := cfg.CreateRatio + cfg.CancelRatio + cfg.ModifyRatio
	if total > 1 {
		cfg.CreateRatio /= total
		cfg.CancelRatio /= total
		cfg.ModifyRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Providers <= 0 || cfg.Clients <= 0 {
		return fmt.Errorf("SIM_PROVIDERS and SIM_CLIENTS must be > 0")
	}
	if cfg.HorizonDays <= 0 || cfg.HorizonDays > 60 {
		return fmt.Errorf("SIM_HORIZON_DAYS must be between 1 and 60")
	}
	return nil
}

func newSimulator(ctx context.Context, cfg SimConfig, log zerolog.Logger) (*Simulator, error) {
	store := appointment.NewMemoryStore()
	bus := appointment.NewBus(log)
	policy := appointment.DefaultPolicy()
	svc := appointment.NewService(store, store, store, policy,
		appointment.WithLogger(log),
		appointment.WithBus(bus),
	)
	bus.Subscribe("escalation", appointment.NewEscalationPolicy(store, bus, policy, nil, log))

	pool := &DataPool{}
	for i := 0; i < cfg.Providers; i++ {
		id := uuid.New()
		store.AddProvider(id, true)
		var week []appointment.TemplateInput
		for wd := appointment.Monday; wd <= appointment.Saturday; wd++ {
			week = append(week, appointment.TemplateInput{
				Weekday:   wd,
				StartTime: appointment.Clock(9, 0),
				EndTime:   appointment.Clock(19, 0),
			})
		}
		if _, err := svc.ReplaceTemplates(ctx, appointment.ProviderActor(id), id, week); err != nil {
			return nil, fmt.Errorf("templates for %s: %w", id, err)
		}
		pool.Providers = append(pool.Providers, id)
	}
	for i := 0; i < cfg.Clients; i++ {
		id := uuid.New()
		store.AddClient(id)
		pool.Clients = append(pool.Clients, id)
	}

	return &Simulator{config: cfg, pool: pool, store: store, svc: svc, log: log}, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.CreateRatio:
			s.doCreate(ctx, rng)
		case r < s.config.CreateRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		case r < s.config.CreateRatio+s.config.CancelRatio+s.config.ModifyRatio:
			s.doModify(ctx, rng)
		default:
			s.doSlots(ctx, rng)
		}
	}
}

// randomStart picks a half-hour aligned start in the booking horizon so
// concurrent workers collide often.
func (s *Simulator) randomStart(rng *rand.Rand) time.Time {
	today := appointment.DateOf(time.Now(), time.UTC)
	day := today.AddDate(0, 0, 1+rng.Intn(s.config.HorizonDays))
	return day.Add(9*time.Hour + time.Duration(rng.Intn(20))*30*time.Minute)
}

func (s *Simulator) doCreate(ctx context.Context, rng *rand.Rand) {
	providerID := s.pool.Providers[rng.Intn(len(s.pool.Providers))]
	clientID := s.pool.Clients[rng.Intn(len(s.pool.Clients))]
	kind := appointment.SessionPaid
	if rng.Intn(4) == 0 {
		kind = appointment.SessionIntro
	}

	start := time.Now()
	appt, err := s.svc.CreateAppointment(ctx, providerID, clientID, s.randomStart(rng), kind)
	s.metrics.Create.Record(time.Since(start), err)
	if err == nil {
		s.pool.AddAppointment(appt)
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	actor := appointment.ClientActor(appt.ClientID)
	if rng.Intn(3) == 0 {
		actor = appointment.ProviderActor(appt.ProviderID)
	}

	start := time.Now()
	_, err := s.svc.CancelAppointment(ctx, appt.ID, actor, "simulated cancellation")
	s.metrics.Cancel.Record(time.Since(start), err)
}

func (s *Simulator) doModify(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	_, err := s.svc.ModifyAppointment(ctx, appt.ID, appointment.ProviderActor(appt.ProviderID), s.randomStart(rng))
	s.metrics.Modify.Record(time.Since(start), err)
}

func (s *Simulator) doSlots(ctx context.Context, rng *rand.Rand) {
	providerID := s.pool.Providers[rng.Intn(len(s.pool.Providers))]
	from := appointment.DateOf(time.Now(), time.UTC)

	start := time.Now()
	_, err := s.svc.GetAvailableSlots(ctx, providerID, from, from.AddDate(0, 0, 7), 60)
	s.metrics.Slots.Record(time.Since(start), err)
}

// VerifyNoOverlap checks the committed state: active appointments of one
// provider keep the buffer apart and a client never holds two at once.
func (s *Simulator) VerifyNoOverlap() []string {
	buffer := s.svc.Policy().Buffer
	byProvider := map[uuid.UUID][]appointment.Appointment{}
	byClient := map[uuid.UUID][]appointment.Appointment{}
	for _, a := range s.store.Appointments() {
		if !a.Status.Active() {
			continue
		}
		byProvider[a.ProviderID] = append(byProvider[a.ProviderID], a)
		byClient[a.ClientID] = append(byClient[a.ClientID], a)
	}

	var out []string
	check := func(label string, appts []appointment.Appointment, gap time.Duration) {
		slices.SortFunc(appts, func(a, b appointment.Appointment) int {
			return a.ScheduledAt.Compare(b.ScheduledAt)
		})
		for i := 1; i < len(appts); i++ {
			prev, cur := appts[i-1], appts[i]
			if prev.End().Add(gap).After(cur.ScheduledAt) {
				out = append(out, fmt.Sprintf("%s: %s at %s and %s at %s", label,
					prev.ID, prev.ScheduledAt.Format(time.RFC3339), cur.ID, cur.ScheduledAt.Format(time.RFC3339)))
			}
		}
	}
	for id, appts := range byProvider {
		check("provider "+id.String(), appts, buffer)
	}
	for id, appts := range byClient {
		check("client "+id.String(), appts, 0)
	}
	return out
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Events logged: %d\n", len(s.store.Events()))
	fmt.Println()

	printOperationReport("Create", &s.metrics.Create)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Modify", &s.metrics.Modify)
	printOperationReport("Available slots", &s.metrics.Slots)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	share := func(n int64) float64 { return float64(n) / float64(total) * 100 }
	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	policy := atomic.LoadInt64(&om.Policy)
	errs := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95, p99 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, share(success))
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, share(conflict))
	}
	if policy > 0 {
		fmt.Printf("  Rejected by rules: %d (%.1f%%)\n", policy, share(policy))
	}
	if errs > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errs, share(errs))
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s p99=%s\n",
		avg.Round(time.Microsecond), min.Round(time.Microsecond), max.Round(time.Microsecond),
		p50.Round(time.Microsecond), p95.Round(time.Microsecond), p99.Round(time.Microsecond))
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
