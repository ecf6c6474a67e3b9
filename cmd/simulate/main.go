package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-booking-queue/internal/api"
	"github.com/hackgods/clinic-booking-queue/internal/config"
	"github.com/hackgods/clinic-booking-queue/internal/db"
	"github.com/hackgods/clinic-booking-queue/internal/payment"
	"github.com/hackgods/clinic-booking-queue/pkg/logging"
)

// SimConfig drives a burst simulation: many patients race for a handful of
// slots, the winners pay through the fake provider and the report checks that
// each slot was sold once and tokens came out dense.
type SimConfig struct {
	APIBaseURL      string
	HotSlots        int
	RacersPerSlot   int
	PayRatio        float64
	AppointmentDate string
	JWTSecret       string
	FakeSecret      string
	PostgresDSN     string
}

type slot struct {
	DoctorID uuid.UUID
	ClinicID uuid.UUID
	Start    string
	End      string
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
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[min0(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min0(len(latencies)*95/100, len(latencies)-1)]
	return avg, min, max, p50, p95
}

func min0(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type booked struct {
	Slot          slot
	PatientID     uuid.UUID
	AppointmentID uuid.UUID
	PaymentID     uuid.UUID
	OrderID       string
}

type Simulator struct {
	config   SimConfig
	logger   *logging.Logger
	client   *http.Client
	fake     *payment.FakeGateway
	patients []uuid.UUID

	Booking OperationMetrics
	Confirm OperationMetrics

	mu      sync.Mutex
	winners map[slot][]booked
	tokens  map[string][]int
}

func main() {
	logger := logging.Default().With("component", "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 4)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	patients, slots, err := loadData(ctx, pgPool, cfg)
	if err != nil {
		logger.Error("load data", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded", "patients", len(patients), "slots", len(slots))

	sim := &Simulator{
		config:   cfg,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		fake:     payment.NewFakeGateway(cfg.FakeSecret),
		patients: patients,
		winners:  map[slot][]booked{},
		tokens:   map[string][]int{},
	}

	start := time.Now()
	sim.Run(context.Background(), slots)
	ok := sim.PrintReport(time.Since(start))
	if !ok {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	base, err := config.Load()
	if err != nil {
		logging.Default().Error("failed to load base config", "error", err)
		os.Exit(1)
	}

	return SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:"+base.HTTPPort),
		HotSlots:        getInt("SIM_HOT_SLOTS", 5),
		RacersPerSlot:   getInt("SIM_RACERS_PER_SLOT", 50),
		PayRatio:        getFloat("SIM_PAY_RATIO", 0.8),
		AppointmentDate: getEnv("SIM_DATE", time.Now().AddDate(0, 0, 1).Format("2006-01-02")),
		JWTSecret:       base.AuthJWTSecret,
		FakeSecret:      base.FakeGatewaySecret,
		PostgresDSN:     base.PostgresDSN,
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.HotSlots <= 0 || cfg.RacersPerSlot <= 0 {
		return fmt.Errorf("SIM_HOT_SLOTS and SIM_RACERS_PER_SLOT must be positive")
	}
	if cfg.PayRatio < 0 || cfg.PayRatio > 1 {
		return fmt.Errorf("SIM_PAY_RATIO must be within [0,1]")
	}
	return nil
}

// loadData picks patients and builds hot slots on one doctor/clinic pair per
// slot batch, so tokens can be checked per queue day.
func loadData(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) ([]uuid.UUID, []slot, error) {
	patients, err := queryIDs(ctx, pool, `SELECT id FROM patients ORDER BY random() LIMIT $1`, cfg.HotSlots*cfg.RacersPerSlot)
	if err != nil {
		return nil, nil, fmt.Errorf("patients: %w", err)
	}
	doctors, err := queryIDs(ctx, pool, `SELECT id FROM doctors ORDER BY random() LIMIT 1`)
	if err != nil {
		return nil, nil, fmt.Errorf("doctors: %w", err)
	}
	clinics, err := queryIDs(ctx, pool, `SELECT id FROM clinics ORDER BY random() LIMIT 1`)
	if err != nil {
		return nil, nil, fmt.Errorf("clinics: %w", err)
	}
	if len(patients) == 0 || len(doctors) == 0 || len(clinics) == 0 {
		return nil, nil, fmt.Errorf("no seed data, run cmd/seed first")
	}

	day := time.Date(2000, 1, 1, 9, 0, 0, 0, time.UTC)
	slots := make([]slot, cfg.HotSlots)
	for i := range slots {
		start := day.Add(time.Duration(i) * 15 * time.Minute)
		slots[i] = slot{
			DoctorID: doctors[0],
			ClinicID: clinics[0],
			Start:    start.Format("15:04"),
			End:      start.Add(15 * time.Minute).Format("15:04"),
		}
	}
	return patients, slots, nil
}

func queryIDs(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Simulator) Run(ctx context.Context, slots []slot) {
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i, sl := range slots {
		for r := 0; r < s.config.RacersPerSlot; r++ {
			patient := s.patients[(i*s.config.RacersPerSlot+r)%len(s.patients)]
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				s.race(ctx, sl, patient)
			}()
		}
	}
	close(start)
	wg.Wait()

	// pay in random order so token order follows confirmation order
	var toPay []booked
	for _, ws := range s.winners {
		toPay = append(toPay, ws...)
	}
	rand.Shuffle(len(toPay), func(i, j int) { toPay[i], toPay[j] = toPay[j], toPay[i] })

	for _, b := range toPay {
		if rand.Float64() > s.config.PayRatio {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pay(ctx, b)
		}()
	}
	wg.Wait()
}

func (s *Simulator) race(ctx context.Context, sl slot, patient uuid.UUID) {
	body := api.CreateAppointmentRequest{
		DoctorID:        sl.DoctorID.String(),
		ClinicID:        sl.ClinicID.String(),
		AppointmentDate: s.config.AppointmentDate,
		SlotStartTime:   sl.Start,
		SlotEndTime:     sl.End,
	}

	var resp api.CreateAppointmentResponse
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/appointments", patient, body, &resp)
	latency := time.Since(start)

	switch {
	case err == nil && status == http.StatusCreated:
		s.Booking.Record(latency, true, false)
		s.mu.Lock()
		s.winners[sl] = append(s.winners[sl], booked{
			Slot:          sl,
			PatientID:     patient,
			AppointmentID: resp.AppointmentID,
			PaymentID:     resp.PaymentID,
			OrderID:       resp.ProviderOrderID,
		})
		s.mu.Unlock()
	case status == http.StatusConflict:
		s.Booking.Record(latency, false, true)
	default:
		s.logger.Warn("booking failed", "status", status, "error", err)
		s.Booking.Record(latency, false, false)
	}
}

func (s *Simulator) pay(ctx context.Context, b booked) {
	paymentID := "pay_sim_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	body := api.VerifyPaymentRequest{
		ProviderOrderID:   b.OrderID,
		ProviderPaymentID: paymentID,
		Signature:         s.fake.Sign(b.OrderID, paymentID),
	}

	var resp api.AppointmentResponse
	start := time.Now()
	status, err := s.call(ctx, http.MethodPost, "/payments/"+b.PaymentID.String()+"/verify", b.PatientID, body, &resp)
	latency := time.Since(start)

	if err != nil || status != http.StatusOK || resp.QueueTokenNumber == nil {
		s.logger.Warn("confirmation failed", "status", status, "error", err)
		s.Confirm.Record(latency, false, status == http.StatusConflict)
		return
	}
	s.Confirm.Record(latency, true, false)

	day := b.Slot.DoctorID.String() + "/" + b.Slot.ClinicID.String()
	s.mu.Lock()
	s.tokens[day] = append(s.tokens[day], *resp.QueueTokenNumber)
	s.mu.Unlock()
}

func (s *Simulator) call(ctx context.Context, method, path string, patient uuid.UUID, body, out any) (int, error) {
	token, err := api.IssueToken(s.config.JWTSecret, patient, api.RolePatient, time.Minute)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode < 300 && out != nil {
		return resp.StatusCode, json.Unmarshal(raw, out)
	}
	return resp.StatusCode, nil
}

// PrintReport prints latency stats and reports whether the run kept its
// guarantees: one winner per slot and dense tokens per queue day.
func (s *Simulator) PrintReport(elapsed time.Duration) bool {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Elapsed: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Hot slots: %d, racers per slot: %d\n\n", s.config.HotSlots, s.config.RacersPerSlot)

	printOperationReport("Booking", &s.Booking)
	printOperationReport("Confirm", &s.Confirm)

	ok := true
	for sl, ws := range s.winners {
		if len(ws) != 1 {
			fmt.Printf("DOUBLE BOOKING: slot %s has %d winners\n", sl.Start, len(ws))
			ok = false
		}
	}
	for day, tokens := range s.tokens {
		sort.Ints(tokens)
		for i := 1; i < len(tokens); i++ {
			if tokens[i] == tokens[i-1] {
				fmt.Printf("DUPLICATE TOKEN %d on %s\n", tokens[i], day)
				ok = false
			}
		}
	}
	if ok {
		fmt.Println("Invariants held: one winner per slot, unique tokens")
	}
	return ok
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

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
	}
	return def
}
