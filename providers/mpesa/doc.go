// Package mpesa implements the Safaricom Daraja STK Push client, the result
// callback parser and the callback webhook template.
package mpesa
