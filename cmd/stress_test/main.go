package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/rl1809/flash-drop/internal/adapter/handler"
)

var errSoldOut = errors.New("sold out")

type options struct {
	httpAddr  string
	grpcAddr  string
	transport string
	stock     int
	requests  int
}

// target is one way of talking to a running server.
type target interface {
	createDrop(ctx context.Context, stock int) (string, error)
	reserve(ctx context.Context, dropID, userID string) error
	availableStock(ctx context.Context, dropID string) (int, error)
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "stress_test",
		Short:         "Fire concurrent reserves at one drop and check nothing oversells",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.httpAddr, "http", "http://localhost:8080", "server HTTP base URL")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", "localhost:50051", "server gRPC address")
	cmd.Flags().StringVar(&opts.transport, "transport", "http", "http or grpc")
	cmd.Flags().IntVar(&opts.stock, "stock", 20, "units in the drop")
	cmd.Flags().IntVar(&opts.requests, "requests", 50, "concurrent reserve calls")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	var tgt target
	switch opts.transport {
	case "http":
		tgt = &httpTarget{base: opts.httpAddr, client: &http.Client{Timeout: 10 * time.Second}}
	case "grpc":
		conn, err := grpc.NewClient(opts.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial grpc: %w", err)
		}
		defer conn.Close()
		tgt = &grpcTarget{client: handler.NewDropServiceClient(conn)}
	default:
		return fmt.Errorf("unknown transport %q", opts.transport)
	}

	dropID, err := tgt.createDrop(ctx, opts.stock)
	if err != nil {
		return fmt.Errorf("create drop: %w", err)
	}

	var (
		successCount atomic.Int32
		soldOutCount atomic.Int32
		errorCount   atomic.Int32
		wg           sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < opts.requests; i++ {
		wg.Add(1)
		go func(userID int) {
			defer wg.Done()
			err := tgt.reserve(ctx, dropID, fmt.Sprintf("user-%d", userID))
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, errSoldOut):
				soldOutCount.Add(1)
			default:
				errorCount.Add(1)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	success, soldOut, failed := successCount.Load(), soldOutCount.Load(), errorCount.Load()
	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Transport:        %s\n", opts.transport)
	fmt.Printf("Drop:             %s\n", dropID)
	fmt.Printf("Initial Stock:    %d\n", opts.stock)
	fmt.Printf("Total Requests:   %d\n", opts.requests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", failed)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	want := min(opts.stock, opts.requests)
	if int(success) != want || failed != 0 {
		return fmt.Errorf("expected %d reservations and no errors, got %d reserved, %d errors", want, success, failed)
	}
	fmt.Printf("PASS: exactly %d reservations succeeded\n", want)

	remaining, err := tgt.availableStock(ctx, dropID)
	if err != nil {
		return fmt.Errorf("read stock: %w", err)
	}
	if remaining != opts.stock-want {
		return fmt.Errorf("expected available stock %d, got %d", opts.stock-want, remaining)
	}
	fmt.Printf("PASS: available stock is %d\n", remaining)
	return nil
}

type httpTarget struct {
	base   string
	client *http.Client
}

func (h *httpTarget) post(ctx context.Context, path string, body, out any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (h *httpTarget) createDrop(ctx context.Context, stock int) (string, error) {
	var drop handler.DropResponse
	code, err := h.post(ctx, "/api/drops/create", handler.CreateDropHTTPRequest{
		Name:       "stress-" + time.Now().Format("150405"),
		Price:      decimal.NewFromInt(1),
		TotalStock: stock,
		StartTime:  time.Now().UTC(),
	}, &drop)
	if err != nil {
		return "", err
	}
	if code != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %d", code)
	}
	return drop.ID, nil
}

func (h *httpTarget) reserve(ctx context.Context, dropID, userID string) error {
	code, err := h.post(ctx, "/api/drops/reserve", handler.ReserveHTTPRequest{DropID: dropID, UserID: userID}, nil)
	if err != nil {
		return err
	}
	switch code {
	case http.StatusCreated:
		return nil
	case http.StatusGone:
		return errSoldOut
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}

func (h *httpTarget) availableStock(ctx context.Context, dropID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/api/drops", nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var drops []handler.DropResponse
	if err := json.NewDecoder(resp.Body).Decode(&drops); err != nil {
		return 0, err
	}
	return findStock(drops, dropID)
}

type grpcTarget struct {
	client *handler.DropServiceClient
}

func (g *grpcTarget) createDrop(ctx context.Context, stock int) (string, error) {
	drop, err := g.client.CreateDrop(ctx, &handler.CreateDropRequest{
		Name:       "stress-" + time.Now().Format("150405"),
		Price:      decimal.NewFromInt(1),
		TotalStock: stock,
		StartTime:  time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return drop.ID, nil
}

func (g *grpcTarget) reserve(ctx context.Context, dropID, userID string) error {
	_, err := g.client.Reserve(ctx, &handler.ReserveRequest{DropID: dropID, UserID: userID})
	if status.Code(err) == codes.ResourceExhausted {
		return errSoldOut
	}
	return err
}

func (g *grpcTarget) availableStock(ctx context.Context, dropID string) (int, error) {
	resp, err := g.client.ListDrops(ctx, &handler.ListDropsRequest{Limit: 1})
	if err != nil {
		return 0, err
	}
	return findStock(resp.Drops, dropID)
}

func findStock(drops []handler.DropResponse, dropID string) (int, error) {
	for _, d := range drops {
		if d.ID == dropID {
			return d.AvailableStock, nil
		}
	}
	return 0, fmt.Errorf("drop %s not listed", dropID)
}
