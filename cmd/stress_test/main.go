package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type checkoutClient interface {
	Reserve(ctx context.Context, customerID, inventoryID string, quantity int) (orderID string, outcome domain.ReservationOutcome, err error)
	Status(ctx context.Context, orderID string) (domain.OrderState, error)
}

func main() {
	transport := flag.String("transport", "http", "http or grpc")
	httpAddr := flag.String("http", "http://localhost:8080", "HTTP base URL")
	grpcAddr := flag.String("grpc", "localhost:50051", "gRPC address")
	inventoryID := flag.String("inventory", "sku-1", "inventory line to hit, seeded by the server")
	initialStock := flag.Int("stock", 20, "stock the line was seeded with")
	totalRequests := flag.Int("requests", 50, "checkouts to fire")
	concurrency := flag.Int("concurrency", 50, "checkouts in flight at once")
	settle := flag.Duration("settle", 30*time.Second, "how long to wait for queued orders to resolve")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	var client checkoutClient
	switch *transport {
	case "http":
		client = &httpClient{base: *httpAddr, http: &http.Client{Timeout: 10 * time.Second}}
	case "grpc":
		conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Fatal("failed to dial grpc", zap.Error(err))
		}
		defer conn.Close()
		client = &grpcClient{client: handler.NewReservationClient(conn)}
	default:
		logger.Fatal("unknown transport", zap.String("transport", *transport))
	}

	ctx := context.Background()
	var mu sync.Mutex
	outcomes := make(map[domain.ReservationOutcome]int)
	var queued []string
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		customerID := fmt.Sprintf("customer-%d", i)
		g.Go(func() error {
			orderID, outcome, err := client.Reserve(gctx, customerID, *inventoryID, 1)
			if err != nil {
				failed.Add(1)
				logger.Warn("checkout failed", zap.String("customer_id", customerID), zap.Error(err))
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			outcomes[outcome]++
			if outcome == domain.OutcomeQueued || outcome == domain.OutcomeSystemUnavailable {
				queued = append(queued, orderID)
			}
			return nil
		})
	}
	g.Wait()
	elapsed := time.Since(start)

	// queued orders resolve asynchronously
	lateSuccess := 0
	deadline := time.Now().Add(*settle)
	for _, orderID := range queued {
		for {
			state, err := client.Status(ctx, orderID)
			if err == nil && state != domain.StateProcessing {
				if state == domain.StateToBePaid {
					lateSuccess++
				}
				break
			}
			if time.Now().After(deadline) {
				logger.Warn("order still unresolved", zap.String("order_id", orderID))
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
	}

	reserved := outcomes[domain.OutcomeSuccess] + lateSuccess

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:      %d\n", *initialStock)
	fmt.Printf("Total Requests:     %d\n", *totalRequests)
	fmt.Printf("SUCCESS:            %d\n", outcomes[domain.OutcomeSuccess])
	fmt.Printf("QUEUED:             %d (%d reserved later)\n", outcomes[domain.OutcomeQueued], lateSuccess)
	fmt.Printf("INSUFFICIENT_STOCK: %d\n", outcomes[domain.OutcomeInsufficientStock])
	fmt.Printf("SYSTEM_UNAVAILABLE: %d\n", outcomes[domain.OutcomeSystemUnavailable])
	fmt.Printf("Transport errors:   %d\n", failed.Load())
	fmt.Printf("Duration:           %v\n", elapsed)
	fmt.Println("==========================================")

	if reserved > *initialStock {
		fmt.Printf("FAIL: oversold, %d reserved against a stock of %d\n", reserved, *initialStock)
		os.Exit(1)
	}
	fmt.Printf("PASS: %d reserved, stock %d never oversold\n", reserved, *initialStock)
}

type httpClient struct {
	base string
	http *http.Client
}

func (c *httpClient) Reserve(ctx context.Context, customerID, inventoryID string, quantity int) (string, domain.ReservationOutcome, error) {
	body, _ := json.Marshal(handler.CheckoutHTTPRequest{
		RequestID:   customerID + "-" + inventoryID,
		CustomerID:  customerID,
		InventoryID: inventoryID,
		Quantity:    quantity,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/checkout/continue", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	var out handler.CheckoutHTTPResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if out.Outcome == "" {
		return "", "", fmt.Errorf("status %d: %s", resp.StatusCode, out.Message)
	}
	return out.OrderID, domain.ReservationOutcome(out.Outcome), nil
}

func (c *httpClient) Status(ctx context.Context, orderID string) (domain.OrderState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/orders/"+orderID, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out handler.OrderHTTPResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return domain.OrderState(out.Status), nil
}

type grpcClient struct {
	client *handler.ReservationClient
}

func (c *grpcClient) Reserve(ctx context.Context, customerID, inventoryID string, quantity int) (string, domain.ReservationOutcome, error) {
	resp, err := c.client.Reserve(ctx, &handler.ReserveRequest{
		RequestID:   customerID + "-" + inventoryID,
		CustomerID:  customerID,
		InventoryID: inventoryID,
		Quantity:    int32(quantity),
	})
	if err != nil {
		return "", "", err
	}
	return resp.OrderID, domain.ReservationOutcome(resp.Outcome), nil
}

func (c *grpcClient) Status(ctx context.Context, orderID string) (domain.OrderState, error) {
	resp, err := c.client.GetOrderStatus(ctx, &handler.OrderStatusRequest{OrderID: orderID})
	if err != nil {
		return "", err
	}
	return domain.OrderState(resp.Status), nil
}
