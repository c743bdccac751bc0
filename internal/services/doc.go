// Package services orchestrates the license operations exposed over HTTP.
// Each operation runs the same pipeline: per-IP rate check, per-key rate
// check, lifecycle transition, audit record, metrics. Handlers stay thin and
// never touch the store directly.
package services
