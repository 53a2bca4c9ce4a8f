package scraper

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// DisplayName 从酒店详情页 URL 推导展示名。
//
// 取 "/hotel/" 之后的路径段，截到第一个 "."，连字符换成空格，
// 每个单词首字母大写。推导不出来时返回空串，由调用方套用位置回退名。
func DisplayName(rawURL string) string {
	idx := strings.Index(rawURL, "/hotel/")
	if idx < 0 {
		return ""
	}
	seg := rawURL[idx+len("/hotel/"):]
	if cut := strings.IndexAny(seg, "?#"); cut >= 0 {
		seg = seg[:cut]
	}
	seg = strings.Split(seg, ".")[0]
	// URL 里带国家前缀时只取最后一段，如 /hotel/us/some-name.html
	if slash := strings.LastIndex(seg, "/"); slash >= 0 {
		seg = seg[slash+1:]
	}
	if seg == "" {
		return ""
	}

	words := strings.Split(strings.ReplaceAll(seg, "-", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.TrimSpace(strings.Join(words, " "))
}

// DisplayNames 为一组 URL 生成展示名，保持提交顺序。
// 推导失败的条目用 "Hotel_{n}" 回退，n 是它在列表中的位置（从 1 开始），
// 保证同一任务内名字不重复。
func DisplayNames(urls []string) []string {
	names := make([]string, len(urls))
	seen := make(map[string]int, len(urls))
	for i, u := range urls {
		name := DisplayName(u)
		if name == "" {
			name = fmt.Sprintf("Hotel_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s (%d)", name, n+1)
		} else {
			seen[name] = 1
		}
		names[i] = name
	}
	return names
}

// DateRange 一段入住区间。
type DateRange struct {
	CheckIn  string
	CheckOut string
}

// ExpandDates 生成 days 个连续的入住区间。
//
// 起始日取 startDate 覆盖值；为空或格式不合法时回退到今天
// （回退由调用方记录警告）。checkIn = start+i，checkOut = checkIn+nights。
//
// 返回值:
//
//	[]DateRange: 升序排列的入住区间
//	bool: startDate 是否被采用（false 表示回退到了今天）
func ExpandDates(startDate string, days, nights int, now time.Time) ([]DateRange, bool) {
	start := now
	usedOverride := false
	if startDate != "" {
		if parsed, err := time.Parse(dateLayout, startDate); err == nil {
			start = parsed
			usedOverride = true
		}
	}

	if days < 1 {
		days = 1
	}
	if nights < 1 {
		nights = 1
	}

	ranges := make([]DateRange, 0, days)
	for i := 0; i < days; i++ {
		checkIn := start.AddDate(0, 0, i)
		checkOut := checkIn.AddDate(0, 0, nights)
		ranges = append(ranges, DateRange{
			CheckIn:  checkIn.Format(dateLayout),
			CheckOut: checkOut.Format(dateLayout),
		})
	}
	return ranges, usedOverride
}
