package config

// DefaultAddr is the default listen address for the HTTP API.
const DefaultAddr = "127.0.0.1:7171"

// DefaultLogLevel is used when log_level is empty.
const DefaultLogLevel = "info"

// DefaultBlanker writes panel changes to the log only.
const DefaultBlanker = "log"

// DefaultBacklightDir is where sysfs backlight devices live.
const DefaultBacklightDir = "/sys/class/backlight"
