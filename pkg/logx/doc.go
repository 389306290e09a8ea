// Package logx is pewfeed's structured logging layer over zerolog.
//
// Console output is short and human readable, file output is JSON, and an
// optional operator sink forwards WARN+ lines to a Telegram chat with rate
// limiting so alerts never block the pipeline.
package logx
