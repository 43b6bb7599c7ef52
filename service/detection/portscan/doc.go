// Package portscan detects port scans and SYN floods from the inbound TCP
// segments of a source.
//
// Every source gets a short-lived scan profile holding its recent segment
// observations. Each new observation re-evaluates the heuristics over the
// recent window, and every heuristic that matches yields its own alert.
// Internal and trusted sources are never profiled.
package portscan
