// Package service builds device service requests on top of the command
// submission path: MQTT publish, HTTP post, subscriber identity lookup, call
// teardown and power down.
package service
