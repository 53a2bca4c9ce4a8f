package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nicowegher/competitor-eye/internal/config"
)

const (
	runSyncPath = "/v2/acts/%s/run-sync-get-dataset-items"

	// 响应体读取上限，actor 被约束为 maxItems=1，正常响应远小于此
	maxResponseBytes = 4 << 20
)

// ApifyQuerier 通过 Apify actor 的同步端点抓取单个酒店、单个日期的价格。
//
// 每次查询都是一次独立的 actor run：maxItems=1、maxConcurrency=1，
// 由调用方（executor）负责并发与节流。
type ApifyQuerier struct {
	cfg    config.ApifyConfig
	client *http.Client
	logger *slog.Logger
}

var _ Querier = (*ApifyQuerier)(nil)

// NewApifyQuerier 创建 Apify 客户端。
func NewApifyQuerier(cfg config.ApifyConfig, logger *slog.Logger) *ApifyQuerier {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ApifyQuerier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// runInput 是传给 actor 的输入文档。
type runInput struct {
	StartURLs           []startURL  `json:"startUrls"`
	CheckIn             string      `json:"checkIn"`
	CheckOut            string      `json:"checkOut"`
	Currency            string      `json:"currency"`
	Language            string      `json:"language,omitempty"`
	MaxItems            int         `json:"maxItems"`
	MaxConcurrency      int         `json:"maxConcurrency"`
	MaxRequestsPerCrawl int         `json:"maxRequestsPerCrawl"`
	TimeoutSecs         int         `json:"timeoutSecs"`
	ProxyConfiguration  proxyConfig `json:"proxyConfiguration"`
}

type startURL struct {
	URL string `json:"url"`
}

type proxyConfig struct {
	UseApifyProxy    bool     `json:"useApifyProxy"`
	ApifyProxyGroups []string `json:"apifyProxyGroups,omitempty"`
}

// datasetItem 是 actor 返回的数据集条目，只取需要的字段。
type datasetItem struct {
	Rating      *flexFloat `json:"rating"`
	ReviewCount *flexInt   `json:"reviews"`
	Rooms       []room     `json:"rooms"`
}

type room struct {
	Options []roomOption `json:"options"`
}

type roomOption struct {
	DisplayedPrice flexFloat `json:"displayedPrice"`
}

// FetchPrice 执行一次同步 actor run 并解析返回的第一个可用价格。
//
// 无结果或结果里没有可解析的价格都视为"该日期不可售"，返回空 outcome
// 而不是错误；错误只用于传输层失败和非 2xx 响应。
func (a *ApifyQuerier) FetchPrice(ctx context.Context, q PriceQuery) (PriceOutcome, error) {
	input := runInput{
		StartURLs:           []startURL{{URL: q.URL}},
		CheckIn:             q.CheckIn,
		CheckOut:            q.CheckOut,
		Currency:            q.Currency,
		Language:            a.cfg.Language,
		MaxItems:            1,
		MaxConcurrency:      1,
		MaxRequestsPerCrawl: 1,
		TimeoutSecs:         int(a.client.Timeout / time.Second),
		ProxyConfiguration: proxyConfig{
			UseApifyProxy:    true,
			ApifyProxyGroups: proxyGroups(a.cfg.ProxyGroup),
		},
	}

	body, err := json.Marshal(input)
	if err != nil {
		return PriceOutcome{}, fmt.Errorf("marshal run input: %w", err)
	}

	endpoint := a.cfg.BaseURL + fmt.Sprintf(runSyncPath, url.PathEscape(a.cfg.ActorID)) +
		"?token=" + url.QueryEscape(a.cfg.Token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return PriceOutcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return PriceOutcome{}, fmt.Errorf("actor run: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return PriceOutcome{}, fmt.Errorf("read actor response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return PriceOutcome{}, fmt.Errorf("actor run status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var items []datasetItem
	if err := json.Unmarshal(data, &items); err != nil {
		return PriceOutcome{}, fmt.Errorf("parse actor response: %w", err)
	}

	outcome := extractOutcome(items)
	if outcome.Price == nil {
		a.logger.Debug("no price in actor response",
			slog.String("url", q.URL),
			slog.String("check_in", q.CheckIn))
	}
	return outcome, nil
}

// extractOutcome 按返回顺序扫描 rooms[].options[].displayedPrice，取第一个可解析的价格。
func extractOutcome(items []datasetItem) PriceOutcome {
	var outcome PriceOutcome
	for _, item := range items {
		if outcome.Rating == nil && item.Rating != nil {
			v := float64(*item.Rating)
			outcome.Rating = &v
		}
		if outcome.ReviewCount == nil && item.ReviewCount != nil {
			v := int(*item.ReviewCount)
			outcome.ReviewCount = &v
		}
		for _, rm := range item.Rooms {
			for _, opt := range rm.Options {
				if opt.DisplayedPrice > 0 {
					v := float64(opt.DisplayedPrice)
					outcome.Price = &v
					return outcome
				}
			}
		}
	}
	return outcome
}

func proxyGroups(group string) []string {
	if group == "" {
		return nil
	}
	return []string{group}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// flexFloat 容忍端点把数字编码成字符串（如 "US$ 120" 之外的 "120.00"）。
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			// 非数字字符串视为无价格，不让整个条目解析失败
			return nil
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexInt 同 flexFloat，容忍字符串形式的整数。
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil
		}
		*f = flexInt(v)
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}
