package scraper

import "context"

// PriceQuery 单次比价查询：一个酒店 URL 加一段入住区间。
type PriceQuery struct {
	URL      string // 酒店详情页 URL
	CheckIn  string // 入住日期 "2006-01-02"
	CheckOut string // 退房日期 "2006-01-02"
	Currency string // 币种代码
}

// PriceOutcome 单次查询的结果。
//
// Price 为 nil 表示该日期无可售房价（不是错误）。
// LastError 记录重试耗尽时的最后一个错误，供诊断用。
type PriceOutcome struct {
	Price       *float64 // 展示价（未做按晚折算）
	Rating      *float64 // 酒店评分（可选，端点有就带上）
	ReviewCount *int     // 评论数（可选）
	LastError   string   // 重试耗尽时的最后错误描述
}

// Querier 对外部比价端点的抽象，便于测试替换。
type Querier interface {
	FetchPrice(ctx context.Context, q PriceQuery) (PriceOutcome, error)
}
