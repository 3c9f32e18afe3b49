package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	studentToken := flag.String("student-token", "", "bearer token of a STUDENT (see SEED_DEMO log)")
	staffToken := flag.String("staff-token", "", "bearer token of the canteen's staff")
	canteenID := flag.String("canteen", "demo-canteen", "canteen id")
	itemID := flag.String("item", "demo-chai", "menu item id")

	// 并发状态迁移测试：同一订单被多个员工请求同时接单
	total := flag.Int("n", 50, "concurrent accept requests")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	if *studentToken == "" || *staffToken == "" {
		fmt.Fprintln(os.Stderr, "both -student-token and -staff-token are required")
		os.Exit(2)
	}
	client := &http.Client{Timeout: 5 * time.Second}

	// 1) 下单并付款，得到一张 PAID 订单
	orderID, err := paidOrder(client, *baseURL, *studentToken, *canteenID, *itemID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "prepare order:", err)
		os.Exit(1)
	}
	fmt.Println("paid order:", orderID)

	// 2) 并发接单：期望恰好一个 200，其余 400/409
	fmt.Printf("start accept race: order=%s requests=%d concurrency=%d\n", orderID, *total, *concurrency)
	results := runConcurrent(*total, *concurrency, func() Result {
		return call(client, http.MethodPost, fmt.Sprintf("%s/api/orders/%s/accept", *baseURL, orderID), *staffToken, nil)
	})
	okCount := printSummary("accept", results)

	// 3) 再并发取消同一订单，只应有一次成功
	results = runConcurrent(*total, *concurrency, func() Result {
		return call(client, http.MethodPost, fmt.Sprintf("%s/api/orders/%s/cancel", *baseURL, orderID), *staffToken, nil)
	})
	cancelOK := printSummary("cancel", results)

	if okCount != 1 || cancelOK != 1 {
		fmt.Println("FAIL: expected exactly one successful transition per race")
		os.Exit(1)
	}
	fmt.Println("PASS")
}

func paidOrder(client *http.Client, baseURL, token, canteenID, itemID string) (string, error) {
	var o struct {
		ID string `json:"id"`
	}
	err := expect(call(client, http.MethodPost, baseURL+"/api/orders", token, map[string]any{
		"canteenId": canteenID,
		"items":     []map[string]any{{"menuItem": itemID, "quantity": 1}},
	}), http.StatusCreated, &o)
	if err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}

	var init struct {
		Payment struct {
			ID string `json:"id"`
		} `json:"payment"`
	}
	if err := expect(call(client, http.MethodPost, baseURL+"/api/payments/initiate", token, map[string]string{"orderId": o.ID}), http.StatusCreated, &init); err != nil {
		return "", fmt.Errorf("initiate payment: %w", err)
	}
	if err := expect(call(client, http.MethodPost, fmt.Sprintf("%s/api/payments/%s/confirm", baseURL, init.Payment.ID), token, nil), http.StatusOK, nil); err != nil {
		return "", fmt.Errorf("confirm payment: %w", err)
	}
	return o.ID, nil
}

func runConcurrent(total, concurrency int, fn func() Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn()
		}(i)
	}

	wg.Wait()
	return results
}

// call 发送带 Bearer 令牌的 JSON 请求。
func call(client *http.Client, method, url, token string, body any) Result {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(b)}
}

// expect 校验状态码并解出 data。
func expect(res Result, status int, out any) error {
	if res.Err != nil {
		return res.Err
	}
	if res.Status != status {
		return fmt.Errorf("status=%d body=%s", res.Status, res.Body)
	}
	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(res.Body), &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}

// printSummary 聚合输出不同状态码分布，返回 200 的数量。
func printSummary(name string, results []Result) int {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 403, 404, 409, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
	return count[http.StatusOK]
}
