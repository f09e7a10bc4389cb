// Package providers holds payment provider integrations. mpesa talks to the
// Safaricom Daraja STK Push API; devkit carries fake transports and Daraja
// fixtures for tests.
package providers
