package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

type itemReq struct {
	ProductID uint `json:"product_id"`
	OptionID  uint `json:"option_id"`
	Quantity  int  `json:"quantity"`
}

type checkoutReq struct {
	UserID      int64     `json:"user_id"`
	Items       []itemReq `json:"items"`
	FinalAmount int64     `json:"final_amount"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.Int("product", 1, "product id")
	optionID := flag.Int("option", 1, "product option id")
	amount := flag.Int64("amount", 10000, "final amount in cents (option price * quantity)")

	// 超卖测试参数：200 个用户并发抢同一规格
	nUsers := flag.Int("users", 200, "distinct users")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	// 1) 不超卖测试：不同 user 并发
	fmt.Printf("start oversell test: option=%d users=%d concurrency=%d\n", *optionID, *nUsers, *concurrency)
	results := runCheckout(client, *baseURL, uint(*productID), uint(*optionID), *amount, *nUsers, *concurrency)
	printSummary("oversell", results)

	// 2) 锁互斥测试：同一个 user 并发下单，应只有一个进入 saga，其余 409/幂等
	fmt.Println("\nstart user lock test: same user (10001), 50 requests, concurrency 50")
	results2 := runCheckoutSameUser(client, *baseURL, uint(*productID), uint(*optionID), *amount, 10001, 50, 50)
	printSummary("user_lock", results2)
}

func runCheckout(client *http.Client, baseURL string, productID, optionID uint, amount int64, nUsers, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, nUsers)

	for i := 0; i < nUsers; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req := checkoutReq{
				UserID:      int64(idx + 1),
				Items:       []itemReq{{ProductID: productID, OptionID: optionID, Quantity: 1}},
				FinalAmount: amount,
			}
			results[idx] = checkoutOnce(client, baseURL, req)
		}(i)
	}

	wg.Wait()
	return results
}

func runCheckoutSameUser(client *http.Client, baseURL string, productID, optionID uint, amount int64, userID int64, total, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req := checkoutReq{
				UserID:      userID,
				Items:       []itemReq{{ProductID: productID, OptionID: optionID, Quantity: 1}},
				FinalAmount: amount,
			}
			results[idx] = checkoutOnce(client, baseURL, req)
		}(i)
	}

	wg.Wait()
	return results
}

func checkoutOnce(client *http.Client, baseURL string, req checkoutReq) Result {
	b, _ := json.Marshal(req)
	url := fmt.Sprintf("%s/api/checkout", baseURL)
	httpReq, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
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
	for _, code := range []int{200, 400, 404, 409, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}
