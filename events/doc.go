// Package events streams terminal job results to Kafka.
package events
