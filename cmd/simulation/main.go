package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/tokex-api/internal/auth"
	"github.com/ksred/tokex-api/internal/types"
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

type options struct {
	baseURL      string
	secret       string
	users        int
	orders       int
	workers      int
	chain        string
	paymentToken string
	assets       []string
}

// routeStats tracks latency for one API route
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 latencies
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.95))-1]
	p99 = rs.durations[int(math.Ceil(float64(len(rs.durations))*0.99))-1]
	return
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// client calls the API with tokens it signs itself using the shared secret
type client struct {
	baseURL string
	signer  *auth.Service
	http    *http.Client

	mu     sync.Mutex
	tokens map[string]string
	stats  map[string]*routeStats
}

func newClient(opts options) *client {
	return &client{
		baseURL: strings.TrimRight(opts.baseURL, "/"),
		signer:  auth.NewService(opts.secret),
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  make(map[string]string),
		stats: map[string]*routeStats{
			"asset":    {name: "Create Asset"},
			"wallet":   {name: "Bind Wallet"},
			"deposit":  {name: "Deposit"},
			"complete": {name: "Complete Deposit"},
			"order":    {name: "Submit Order"},
			"trades":   {name: "List Trades"},
			"balance":  {name: "Get Balance"},
		},
	}
}

func (c *client) token(subject, scope string) (string, error) {
	key := subject + "|" + scope
	c.mu.Lock()
	defer c.mu.Unlock()
	if tok, ok := c.tokens[key]; ok {
		return tok, nil
	}

	var scopes []string
	if scope != "" {
		scopes = []string{scope}
	}
	tok, _, err := c.signer.GenerateToken(subject, scopes, time.Hour)
	if err != nil {
		return "", err
	}
	c.tokens[key] = tok
	return tok, nil
}

// do sends body as JSON and decodes the envelope's data into out
func (c *client) do(route, method, path, subject, scope string, body, out interface{}) error {
	start := time.Now()
	err := c.send(method, path, subject, scope, body, out)
	c.stats[route].record(time.Since(start), err != nil)
	return err
}

func (c *client) send(method, path, subject, scope string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	tok, err := c.token(subject, scope)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &apiError{status: resp.StatusCode, body: string(respBody)}
	}
	if out == nil {
		return nil
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

func (c *client) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 110))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 110))

	names := make([]string, 0, len(c.stats))
	for k := range c.stats {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		stats := c.stats[k]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name, stats.totalCalls, stats.failures,
			min.Round(time.Millisecond), max.Round(time.Millisecond),
			mean.Round(time.Millisecond), median.Round(time.Millisecond),
			p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 110))
}

const internalSubject = "simulation"

// setup registers assets, binds wallets and funds every user with the payment
// token and each asset
func setup(c *client, opts options, users []string) error {
	for _, asset := range append([]string{opts.paymentToken}, opts.assets...) {
		req := map[string]interface{}{"asset_id": asset, "symbol": asset, "blockchain": opts.chain}
		if err := c.do("asset", http.MethodPost, "/api/v1/internal/assets", internalSubject, auth.ScopeInternal, req, nil); err != nil {
			return fmt.Errorf("create asset %s: %w", asset, err)
		}
	}

	for _, user := range users {
		bind := map[string]string{"user_id": user, "blockchain": opts.chain, "address": "0x" + strings.ReplaceAll(user, "-", "")}
		if err := c.do("wallet", http.MethodPost, "/api/v1/internal/wallets", internalSubject, auth.ScopeInternal, bind, nil); err != nil {
			return fmt.Errorf("bind wallet for %s: %w", user, err)
		}

		funds := map[string]string{opts.paymentToken: "1000000"}
		for _, asset := range opts.assets {
			funds[asset] = "10000"
		}
		for asset, amount := range funds {
			var txn types.Transaction
			req := map[string]string{"asset_id": asset, "amount": amount, "blockchain": opts.chain}
			if err := c.do("deposit", http.MethodPost, "/api/v1/funding/deposits", user, "", req, &txn); err != nil {
				return fmt.Errorf("deposit %s for %s: %w", asset, user, err)
			}
			path := fmt.Sprintf("/api/v1/internal/funding/%s/complete", txn.TransactionID)
			if err := c.do("complete", http.MethodPost, path, internalSubject, auth.ScopeInternal, nil, nil); err != nil {
				return fmt.Errorf("complete deposit %s: %w", txn.TransactionID, err)
			}
		}
	}
	return nil
}

type outcome struct {
	submitted int
	rejected  int
	filled    int
	partial   int
	open      int
	cancelled int
}

func runWorker(c *client, opts options, users []string, count int, rng *rand.Rand) outcome {
	var out outcome
	for i := 0; i < count; i++ {
		user := users[rng.Intn(len(users))]
		side := types.SideBuy
		if rng.Intn(2) == 0 {
			side = types.SideSell
		}
		// Prices cluster around 100 so buys and sells cross often
		price := decimal.NewFromInt(int64(95 + rng.Intn(11)))
		qty := decimal.NewFromInt(int64(1 + rng.Intn(20)))

		req := map[string]interface{}{
			"asset_id": opts.assets[rng.Intn(len(opts.assets))],
			"side":     side,
			"price":    price.String(),
			"quantity": qty.String(),
		}

		var order types.Order
		err := c.do("order", http.MethodPost, "/api/v1/orders", user, "", req, &order)
		if err != nil {
			out.rejected++
			log.Debug().Err(err).Str("user_id", user).Msg("order rejected")
			continue
		}
		out.submitted++
		switch order.Status {
		case types.OrderStatusFilled:
			out.filled++
		case types.OrderStatusPartiallyFilled:
			out.partial++
		case types.OrderStatusCancelled:
			out.cancelled++
		default:
			out.open++
		}
	}
	return out
}

func main() {
	var opts options
	var assets string
	flag.StringVar(&opts.baseURL, "addr", "http://localhost:8080", "API base URL")
	flag.StringVar(&opts.secret, "secret", "tokex-secret-key", "JWT signing secret shared with the server")
	flag.IntVar(&opts.users, "users", 10, "number of simulated users")
	flag.IntVar(&opts.orders, "orders", 200, "total orders to submit")
	flag.IntVar(&opts.workers, "workers", 5, "concurrent workers")
	flag.StringVar(&opts.chain, "chain", "polygon", "settlement network")
	flag.StringVar(&opts.paymentToken, "payment-token", "USDC", "payment token asset id")
	flag.StringVar(&assets, "assets", "GOLD,SILVER,REIT", "comma separated asset ids to trade")
	flag.Parse()
	opts.assets = strings.Split(assets, ",")

	c := newClient(opts)

	users := make([]string, opts.users)
	for i := range users {
		users[i] = fmt.Sprintf("sim-user-%d", i+1)
	}

	log.Info().Int("users", len(users)).Strs("assets", opts.assets).Msg("Preparing simulation")
	if err := setup(c, opts, users); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare simulation")
	}

	start := time.Now()
	results := make([]outcome, opts.workers)
	var wg sync.WaitGroup
	for w := 0; w < opts.workers; w++ {
		count := opts.orders / opts.workers
		if w < opts.orders%opts.workers {
			count++
		}
		wg.Add(1)
		go func(w, count int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(w)))
			results[w] = runWorker(c, opts, users, count, rng)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)

	var total outcome
	for _, r := range results {
		total.submitted += r.submitted
		total.rejected += r.rejected
		total.filled += r.filled
		total.partial += r.partial
		total.open += r.open
		total.cancelled += r.cancelled
	}

	tradeCount := 0
	volume := decimal.Zero
	for _, user := range users {
		var trades []types.Trade
		if err := c.do("trades", http.MethodGet, "/api/v1/trades?limit=500", user, "", nil, &trades); err != nil {
			log.Error().Err(err).Str("user_id", user).Msg("Failed to list trades")
			continue
		}
		for _, t := range trades {
			// Each trade is seen by both parties
			if t.BuyerID == user {
				tradeCount++
				volume = volume.Add(t.TotalValue)
			}
		}

		var balance types.Balance
		if err := c.do("balance", http.MethodGet, "/api/v1/balances/"+opts.paymentToken, user, "", nil, &balance); err != nil {
			log.Error().Err(err).Str("user_id", user).Msg("Failed to get balance")
			continue
		}
		if !balance.Consistent() {
			log.Error().Str("user_id", user).Msg("Inconsistent balance reported")
		}
	}

	log.Info().
		Int("submitted", total.submitted).
		Int("rejected", total.rejected).
		Int("filled", total.filled).
		Int("partially_filled", total.partial).
		Int("open", total.open).
		Int("cancelled", total.cancelled).
		Int("trades", tradeCount).
		Str("volume", volume.String()).
		Dur("elapsed", elapsed).
		Float64("orders_per_second", float64(total.submitted+total.rejected)/elapsed.Seconds()).
		Msg("Simulation complete")

	c.printPerformanceStats()
}
