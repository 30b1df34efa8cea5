// Package domain contains monthly reconciliation and reporting types.
package domain

import (
	"errors"
	"regexp"
)

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidMonth  = errors.New("invalid_month")
)

var monthKeyPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

// ValidMonthKey reports whether the value is a YYYY-MM aggregation key.
func ValidMonthKey(month string) bool {
	return monthKeyPattern.MatchString(month)
}

// Summary totals one tenant month.
type Summary struct {
	TotalMinutes    int64   `json:"totalMinutes"`
	OutboundMinutes int64   `json:"outboundMinutes"`
	InboundMinutes  int64   `json:"inboundMinutes"`
	CallCount       int64   `json:"callCount"`
	SMSCount        int64   `json:"smsCount"`
	MMSCount        int64   `json:"mmsCount"`
	TotalCost       float64 `json:"totalCost"`
	OverageMinutes  int64   `json:"overageMinutes"`
	OverageCost     float64 `json:"overageCost"`
}

// SubscriptionBreakdown splits the month by the subscription usage metered
// against. A zero subscription ID is usage on the default plan.
type SubscriptionBreakdown struct {
	SubscriptionID string  `json:"subscriptionId"`
	Minutes        int64   `json:"minutes"`
	CallCount      int64   `json:"callCount"`
	SMSCount       int64   `json:"smsCount"`
	MMSCount       int64   `json:"mmsCount"`
	TotalCost      float64 `json:"totalCost"`
	OverageMinutes int64   `json:"overageMinutes"`
	OverageCost    float64 `json:"overageCost"`
}

// PhoneNumberBreakdown splits the month by rented number.
type PhoneNumberBreakdown struct {
	PhoneNumber string  `json:"phoneNumber"`
	Minutes     int64   `json:"minutes"`
	CallCount   int64   `json:"callCount"`
	SMSCount    int64   `json:"smsCount"`
	MMSCount    int64   `json:"mmsCount"`
	TotalCost   float64 `json:"totalCost"`
}

// DailyBreakdown splits the month by UTC day.
type DailyBreakdown struct {
	Date      string  `json:"date"`
	Minutes   int64   `json:"minutes"`
	CallCount int64   `json:"callCount"`
	SMSCount  int64   `json:"smsCount"`
	MMSCount  int64   `json:"mmsCount"`
	TotalCost float64 `json:"totalCost"`
}

// MonthlyReport is the reconciliation view for one tenant month.
type MonthlyReport struct {
	Month         string                  `json:"month"`
	Summary       Summary                 `json:"summary"`
	Subscriptions []SubscriptionBreakdown `json:"subscriptionBreakdown"`
	PhoneNumbers  []PhoneNumberBreakdown  `json:"phoneNumberBreakdown"`
	Daily         []DailyBreakdown        `json:"dailyBreakdown"`
}
