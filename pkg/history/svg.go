package history

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"math"
	"time"

	"github.com/canopy-network/balancex/pkg/blockcache"
	"github.com/canopy-network/balancex/pkg/utils"
)

// Point is one sample of a series.
type Point struct {
	Date  time.Time
	Value float64
}

// Series is a named line on a chart.
type Series struct {
	Name   string
	Points []Point
}

// TotalSeries returns the total column of rows, skipping dates without a total.
func TotalSeries(rows []Row) Series {
	s := Series{Name: colTotal}
	for _, r := range rows {
		if r.Total.Valid {
			s.Points = append(s.Points, Point{Date: r.Date, Value: r.Total.Decimal.InexactFloat64()})
		}
	}
	return s
}

// RewardSeries returns the cumulative reward column of rows, skipping dates without one.
func RewardSeries(rows []Row) Series {
	s := Series{Name: colTotalCumulative}
	for _, r := range rows {
		if r.RewardCumulative.Valid {
			s.Points = append(s.Points, Point{Date: r.Date, Value: r.RewardCumulative.Decimal.InexactFloat64()})
		}
	}
	return s
}

// AccountSeries returns the balance of one account, skipping dates without a value.
func AccountSeries(rows []Row, name string) Series {
	s := Series{Name: name}
	for _, r := range rows {
		if v, ok := r.Balances[name]; ok {
			s.Points = append(s.Points, Point{Date: r.Date, Value: v.InexactFloat64()})
		}
	}
	return s
}

const (
	chartWidth  = 1200
	chartHeight = 600
	marginLeft  = 110
	marginRight = 30
	marginTop   = 50
	marginBot   = 60
)

var palette = []string{"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd", "#8c564b", "#e377c2", "#7f7f7f"}

// RenderSVG draws series as a line chart and writes it to path.
func RenderSVG(path, title string, series ...Series) error {
	var (
		minT, maxT = int64(math.MaxInt64), int64(math.MinInt64)
		minV, maxV = math.Inf(1), math.Inf(-1)
		hasData    bool
	)
	for _, s := range series {
		for _, p := range s.Points {
			hasData = true
			t := p.Date.Unix()
			minT, maxT = min(minT, t), max(maxT, t)
			minV, maxV = math.Min(minV, p.Value), math.Max(maxV, p.Value)
		}
	}
	if !hasData {
		return fmt.Errorf("render %s: no data", path)
	}
	if maxT == minT {
		maxT = minT + 86400
	}
	if maxV == minV {
		maxV = minV + 1
	}
	// leave headroom above the highest value
	minV = math.Min(0, minV)
	maxV += (maxV - minV) * 0.1

	plotW := float64(chartWidth - marginLeft - marginRight)
	plotH := float64(chartHeight - marginTop - marginBot)
	x := func(t int64) float64 {
		return marginLeft + plotW*float64(t-minT)/float64(maxT-minT)
	}
	y := func(v float64) float64 {
		return marginTop + plotH*(1-(v-minV)/(maxV-minV))
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" font-family="sans-serif" font-size="12">`+"\n", chartWidth, chartHeight)
	fmt.Fprintf(&b, `<rect width="100%%" height="100%%" fill="white"/>`+"\n")
	fmt.Fprintf(&b, `<text x="%d" y="28" font-size="18" text-anchor="middle">%s</text>`+"\n", chartWidth/2, escape(title))

	// axes with five horizontal grid lines
	for i := 0; i <= 4; i++ {
		v := minV + (maxV-minV)*float64(i)/4
		fmt.Fprintf(&b, `<line x1="%d" y1="%.1f" x2="%d" y2="%.1f" stroke="#ddd"/>`+"\n", marginLeft, y(v), chartWidth-marginRight, y(v))
		fmt.Fprintf(&b, `<text x="%d" y="%.1f" text-anchor="end">%s</text>`+"\n", marginLeft-8, y(v)+4, humanize(v))
	}
	fmt.Fprintf(&b, `<text x="%d" y="%d">%s</text>`+"\n", marginLeft, chartHeight-marginBot+20, blockcache.Key(time.Unix(minT, 0).UTC()))
	fmt.Fprintf(&b, `<text x="%d" y="%d" text-anchor="end">%s</text>`+"\n", chartWidth-marginRight, chartHeight-marginBot+20, blockcache.Key(time.Unix(maxT, 0).UTC()))

	for i, s := range series {
		if len(s.Points) == 0 {
			continue
		}
		color := palette[i%len(palette)]
		b.WriteString(`<polyline fill="none" stroke-width="2" stroke="` + color + `" points="`)
		for j, p := range s.Points {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%.1f,%.1f", x(p.Date.Unix()), y(p.Value))
		}
		b.WriteString("\"/>\n")
		ly := marginTop + 16*i
		fmt.Fprintf(&b, `<rect x="%d" y="%d" width="12" height="3" fill="%s"/>`+"\n", marginLeft+10, ly, color)
		fmt.Fprintf(&b, `<text x="%d" y="%d">%s</text>`+"\n", marginLeft+28, ly+5, escape(s.Name))
	}
	b.WriteString("</svg>\n")
	return utils.WriteFileAtomic(path, b.Bytes())
}

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func humanize(v float64) string {
	switch a := math.Abs(v); {
	case a >= 1e9:
		return fmt.Sprintf("%.2fB", v/1e9)
	case a >= 1e6:
		return fmt.Sprintf("%.2fM", v/1e6)
	case a >= 1e3:
		return fmt.Sprintf("%.1fK", v/1e3)
	}
	return fmt.Sprintf("%.1f", v)
}
