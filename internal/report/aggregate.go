package report

import (
	"math"
	"sort"

	"github.com/nicowegher/competitor-eye/internal/model"
	"github.com/nicowegher/competitor-eye/internal/scraper"
)

// Input 聚合所需的全部上下文：抓取结果加任务参数。
type Input struct {
	SetID    string
	SetName  string
	Days     int
	Nights   int
	Currency string
	Series   []scraper.HotelSeries // principal 在前，保持提交顺序
	Ranges   []scraper.DateRange
}

// Build 把抓取结果聚合成最终报表。
//
// 价格在这里做按晚折算（nights>1 时 raw/nights，保留两位小数）。
// 三条派生指标的口径：
//   - 竞对均价：当天有价的竞对（不含 principal）的均值，没有则缺席
//   - 可得率：当天有价酒店数 / 总酒店数，取整百分比，principal 计入
//   - 价差：principal 与竞对均价同时存在且均价非零时，
//     round(100*(own-avg)/avg)，否则缺席
func Build(in Input) *model.Report {
	columns := make([]string, 0, len(in.Ranges))
	for _, r := range in.Ranges {
		columns = append(columns, r.CheckIn)
	}
	sort.Strings(columns)

	hotels := make([]model.HotelRow, 0, len(in.Series))
	names := make([]string, 0, len(in.Series))
	for _, s := range in.Series {
		cells := make(map[string]*float64, len(columns))
		for _, date := range columns {
			cells[date] = perNight(s.Prices[date], in.Nights)
		}
		hotels = append(hotels, model.HotelRow{
			Name:  s.Name,
			URL:   s.URL,
			Cells: cells,
		})
		names = append(names, s.Name)
	}

	matrix := model.PriceMatrix{
		Columns:         columns,
		Hotels:          hotels,
		CompetitorAvg:   make(map[string]*float64, len(columns)),
		AvailabilityPct: make(map[string]*int, len(columns)),
		RateDiffPct:     make(map[string]*float64, len(columns)),
	}

	chart := make([]model.ChartPoint, 0, len(columns))
	for _, date := range columns {
		avg := competitorAverage(hotels, date)
		avail := availability(hotels, date)
		diff := rateDifferential(hotels, avg, date)

		matrix.CompetitorAvg[date] = avg
		matrix.AvailabilityPct[date] = avail
		matrix.RateDiffPct[date] = diff

		prices := make(map[string]*float64, len(hotels))
		for _, h := range hotels {
			prices[h.Name] = h.Cells[date]
		}
		chart = append(chart, model.ChartPoint{
			Date:          date,
			Prices:        prices,
			CompetitorAvg: avg,
			Availability:  avail,
			RateDiff:      diff,
		})
	}

	return &model.Report{
		SetID:      in.SetID,
		SetName:    in.SetName,
		Days:       in.Days,
		Nights:     in.Nights,
		Currency:   in.Currency,
		HotelNames: names,
		Matrix:     matrix,
		ChartData:  chart,
	}
}

// perNight 把整段住宿的报价折算成每晚价格。
func perNight(raw *float64, nights int) *float64 {
	if raw == nil {
		return nil
	}
	v := *raw
	if nights > 1 {
		v = round2(v / float64(nights))
	}
	return &v
}

// competitorAverage 当天有价竞对的均价，principal（第一行）不计入。
func competitorAverage(hotels []model.HotelRow, date string) *float64 {
	var sum float64
	var n int
	for i, h := range hotels {
		if i == 0 {
			continue
		}
		if p := h.Cells[date]; p != nil {
			sum += *p
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := round2(sum / float64(n))
	return &avg
}

// availability 当天有价酒店的占比，principal 计入分子与分母。
func availability(hotels []model.HotelRow, date string) *int {
	if len(hotels) == 0 {
		return nil
	}
	var k int
	for _, h := range hotels {
		if h.Cells[date] != nil {
			k++
		}
	}
	pct := int(math.Round(100 * float64(k) / float64(len(hotels))))
	return &pct
}

// rateDifferential principal 价格相对竞对均价的百分比偏差。
func rateDifferential(hotels []model.HotelRow, avg *float64, date string) *float64 {
	if len(hotels) == 0 || avg == nil || *avg == 0 {
		return nil
	}
	own := hotels[0].Cells[date]
	if own == nil {
		return nil
	}
	diff := math.Round(100 * (*own - *avg) / *avg)
	return &diff
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
