package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status 表示任务的生命周期状态。
//
// 状态机是单向的: queued → running → {completed, failed}。
// completed 与 failed 是终态，任何试图离开终态的迁移都是编程错误。
type Status string

const (
	StatusQueued    Status = "queued"    // 已入队，等待调度
	StatusRunning   Status = "running"   // 正在抓取（全局同一时刻最多一个）
	StatusCompleted Status = "completed" // 成功结束，Result 已写入
	StatusFailed    Status = "failed"    // 失败结束，Error 已写入
)

// Valid 报告 s 是否为已知状态。
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal 报告 s 是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition 是状态迁移的唯一裁决点。
//
// 允许的迁移:
//   - queued  → running
//   - running → completed
//   - running → failed
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Task 表示一次竞品比价任务。
//
// TargetURLs 的顺序是有意义的：第一个是用户自己的酒店（principal），
// 其余是竞争对手，整条流水线都保持这个顺序。
type Task struct {
	ID        string    `gorm:"type:varchar(36);primaryKey"` // 任务唯一标识（UUID）
	CreatedAt time.Time `gorm:"index"`                       // 入队时间（FIFO 调度依据）
	UpdatedAt time.Time

	UserID  string `gorm:"type:varchar(64);index"` // 所属用户 ID（外部域，透传）
	SetID   string `gorm:"type:varchar(64)"`       // 竞品组 ID（外部域，透传）
	SetName string // 竞品组名称（用于报表命名）

	TargetURLs URLList `gorm:"type:text;not null"` // 目标酒店 URL 列表（principal 在前）
	Days       int     `gorm:"not null"`           // 抓取天数 (>=1)
	Nights     int     `gorm:"not null"`           // 每次入住的晚数 (>=1)
	Currency   string  `gorm:"type:varchar(8)"`    // 币种（ISO 风格代码，如 "USD"）
	StartDate  string  `gorm:"type:varchar(10)"`   // 可选的起始日期覆盖 ("2006-01-02")

	Status      Status     `gorm:"type:varchar(16);index;default:queued"` // 任务状态
	StartedAt   *time.Time // 被调度器认领的时间
	CompletedAt *time.Time // 进入终态的时间
	Error       string     `gorm:"type:text"`     // status == failed 时的人类可读错误
	Result      *Report    `gorm:"type:longtext"` // status == completed 时的报表载荷
}

// URLList 是以 JSON 形式存储在单列中的有序 URL 列表。
type URLList []string

// Value 实现 driver.Valuer。
func (u URLList) Value() (driver.Value, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("marshal url list: %w", err)
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner。
func (u *URLList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*u = nil
		return nil
	case []byte:
		return json.Unmarshal(v, u)
	case string:
		return json.Unmarshal([]byte(v), u)
	}
	return fmt.Errorf("unsupported url list source type %T", src)
}

// Report 是任务完成后写回任务记录的结果载荷。
//
// 它包含价格矩阵、派生指标行以及前端图表所需的逐日数据。
type Report struct {
	SetID      string       `json:"setId,omitempty"`
	SetName    string       `json:"setName,omitempty"`
	Days       int          `json:"days"`
	Nights     int          `json:"nights"`
	Currency   string       `json:"currency"`
	HotelNames []string     `json:"hotelNames"` // principal 在前，其余保持提交顺序
	Matrix     PriceMatrix  `json:"matrix"`
	ChartData  []ChartPoint `json:"chartData"`
}

// Value 实现 driver.Valuer，将报表序列化为 JSON 存储。
func (r *Report) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner。
func (r *Report) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	}
	return fmt.Errorf("unsupported report source type %T", src)
}

// HotelRow 是价格矩阵中的一行：一家酒店在各个日期上的每晚价格。
type HotelRow struct {
	Name  string              `json:"name"`
	URL   string              `json:"url"`
	Cells map[string]*float64 `json:"cells"` // key: check-in 日期 "2006-01-02"；nil 表示无可用价格
}

// PriceMatrix 酒店 × 日期的价格矩阵及三条派生指标。
//
// Columns 按日期升序排列（与子任务完成顺序无关），Hotels 保持提交顺序
// （principal 在前）。派生指标均按日期索引，缺席以 nil 表示，绝不以 0 充数。
type PriceMatrix struct {
	Columns         []string            `json:"columns"`
	Hotels          []HotelRow          `json:"hotels"`
	CompetitorAvg   map[string]*float64 `json:"competitorAvg"`   // 竞对均价（不含 principal）
	AvailabilityPct map[string]*int     `json:"availabilityPct"` // 有价酒店占比，整数 [0,100]
	RateDiffPct     map[string]*float64 `json:"rateDiffPct"`     // principal 相对竞对均价的偏差（%）
}

// 导出时附加在酒店行之后的三个合成行的行名（顺序固定）。
const (
	RowNameCompetitorAvg = "Tarifa promedio de competidores"
	RowNameAvailability  = "Disponibilidad de la oferta (%)"
	RowNameRateDiff      = "Diferencia de mi tarifa vs. la tarifa promedio de los competidores (%)"
)

// ExportRows 将矩阵渲染为面向结果消费方（表格导出）的字符串行。
//
// 第一行是表头 ("Hotel Name", "URL", 日期...)，随后是酒店行（principal 在前），
// 最后按固定顺序追加三条合成行：竞对均价、可得率、价差。缺席值渲染为空串。
func (m *PriceMatrix) ExportRows() [][]string {
	header := append([]string{"Hotel Name", "URL"}, m.Columns...)
	rows := [][]string{header}

	for _, h := range m.Hotels {
		row := []string{h.Name, h.URL}
		for _, date := range m.Columns {
			row = append(row, formatCell(h.Cells[date]))
		}
		rows = append(rows, row)
	}

	avg := []string{RowNameCompetitorAvg, ""}
	avail := []string{RowNameAvailability, ""}
	diff := []string{RowNameRateDiff, ""}
	for _, date := range m.Columns {
		avg = append(avg, formatCell(m.CompetitorAvg[date]))
		if v := m.AvailabilityPct[date]; v != nil {
			avail = append(avail, fmt.Sprintf("%d", *v))
		} else {
			avail = append(avail, "")
		}
		diff = append(diff, formatCell(m.RateDiffPct[date]))
	}
	rows = append(rows, avg, avail, diff)
	return rows
}

func formatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *v)
}

// ChartPoint 是某一天的图表数据：各酒店价格加派生指标。
type ChartPoint struct {
	Date          string              `json:"date"`
	Prices        map[string]*float64 `json:"prices"` // key: 酒店展示名
	CompetitorAvg *float64            `json:"competitorAvg"`
	Availability  *int                `json:"availability"`
	RateDiff      *float64            `json:"rateDiff"`
}
