package alert

import (
	"fmt"
	"time"

	"github.com/hemostat/internal/notify"
	"github.com/hemostat/internal/schema"
)

const (
	colorSuccess    = "#36a64f"
	colorFailed     = "#ff0000"
	colorRejected   = "#ff9900"
	colorNeutral    = "#cccccc"
	colorFalseAlarm = "#ffcc00"
)

func resultColor(r schema.Result) string {
	switch r {
	case schema.ResultSuccess:
		return colorSuccess
	case schema.ResultFailed:
		return colorFailed
	case schema.ResultRejected:
		return colorRejected
	default:
		return colorNeutral
	}
}

func formatOutcome(out schema.RemediationOutcome, ts time.Time) notify.Message {
	fields := []notify.Field{
		{Title: "Container", Value: out.Container, Short: true},
		{Title: "Action", Value: string(out.Action), Short: true},
		{Title: "Result", Value: string(out.Result), Short: true},
	}
	if out.Reason != "" {
		fields = append(fields, notify.Field{Title: "Analysis", Value: out.Reason})
	}
	if out.RejectionReason != "" {
		fields = append(fields, notify.Field{Title: "Rejection", Value: string(out.RejectionReason), Short: true})
	}
	if out.Confidence > 0 {
		fields = append(fields, notify.Field{Title: "Confidence", Value: fmt.Sprintf("%.1f%%", out.Confidence*100), Short: true})
	}
	if out.DryRun {
		fields = append(fields, notify.Field{Title: "Dry Run", Value: "yes", Short: true})
	}
	if out.Error != "" {
		fields = append(fields, notify.Field{Title: "Error", Value: out.Error})
	}
	if out.Detail != "" {
		fields = append(fields, notify.Field{Title: "Detail", Value: out.Detail})
	}
	title := fmt.Sprintf("Remediation: %s", out.Result)
	return notify.Message{
		Title:     title,
		Fallback:  fmt.Sprintf("%s - %s (%s)", title, out.Container, out.Action),
		Color:     resultColor(out.Result),
		Fields:    fields,
		Timestamp: ts,
	}
}

func formatFalseAlarm(fa schema.FalseAlarm, ts time.Time) notify.Message {
	fields := []notify.Field{
		{Title: "Container", Value: fa.Container, Short: true},
		{Title: "Method", Value: string(fa.Method), Short: true},
		{Title: "Confidence", Value: fmt.Sprintf("%.1f%%", fa.Confidence*100), Short: true},
		{Title: "Reason", Value: fa.Reason},
	}
	title := fmt.Sprintf("False Alarm: %s", fa.Container)
	return notify.Message{
		Title:     title,
		Fallback:  fmt.Sprintf("%s - %s", title, fa.Reason),
		Color:     colorFalseAlarm,
		Fields:    fields,
		Timestamp: ts,
	}
}

const maxListedVulns = 3

func formatScanReport(report schema.ScanReport, ts time.Time) notify.Message {
	fields := []notify.Field{
		{Title: "Target", Value: report.TargetURL, Short: true},
		{Title: "Critical", Value: fmt.Sprintf("%d", report.CriticalCount), Short: true},
		{Title: "Total", Value: fmt.Sprintf("%d", report.TotalCount), Short: true},
	}
	for i, v := range report.CriticalVulns {
		if i == maxListedVulns {
			fields = append(fields, notify.Field{
				Title: "More",
				Value: fmt.Sprintf("... and %d more", len(report.CriticalVulns)-maxListedVulns),
			})
			break
		}
		val := v.Risk
		if v.Param != "" {
			val = fmt.Sprintf("%s (param: %s)", v.Risk, v.Param)
		}
		fields = append(fields, notify.Field{Title: v.Name, Value: val})
	}
	title := fmt.Sprintf("Critical Vulnerabilities: %s", report.TargetURL)
	return notify.Message{
		Title:     title,
		Fallback:  fmt.Sprintf("%s - %d critical", title, report.CriticalCount),
		Color:     colorFailed,
		Fields:    fields,
		Timestamp: ts,
	}
}
