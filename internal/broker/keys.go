package broker

import "strconv"

// Pub/sub channels. Every channel and key carries the hemostat: prefix so a
// shared redis instance stays partitionable.
const (
	ChannelHealthAlert         = "hemostat:health_alert"
	ChannelRemediationNeeded   = "hemostat:remediation_needed"
	ChannelRemediationComplete = "hemostat:remediation_complete"
	ChannelFalseAlarm          = "hemostat:false_alarm"
	ChannelAlerts              = "hemostat:alerts"
)

const keyPrefix = "hemostat:"

func StatsKey(container string) string    { return keyPrefix + "stats:" + container }
func CooldownKey(container string) string { return keyPrefix + "cooldown:" + container }
func CircuitKey(container string) string  { return keyPrefix + "circuit:" + container }
func LockKey(container string) string     { return keyPrefix + "lock:" + container }
func AuditKey(container string) string    { return keyPrefix + "audit:" + container }
func HistoryKey(container string) string  { return keyPrefix + "history:" + container }
func EventsKey(kind string) string        { return keyPrefix + "events:" + kind }
func DedupeKey(digest string) string      { return keyPrefix + "dedupe:" + digest }
func AgentKey(name string) string         { return keyPrefix + "agent:" + name }
func ScanKey(unix int64) string           { return keyPrefix + "vuln_scan:" + strconv.FormatInt(unix, 10) }

// EventsAllKey is the merged event timeline.
const EventsAllKey = keyPrefix + "events:all"

// StatsPattern matches every per-container stats key.
const StatsPattern = keyPrefix + "stats:*"

// AgentPattern matches every agent heartbeat key.
const AgentPattern = keyPrefix + "agent:*"
