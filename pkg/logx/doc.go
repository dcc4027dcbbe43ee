// Package logx is a thin structured logging layer over zerolog.
//
// It keeps call sites decoupled from zerolog so sinks and levels can be
// swapped without touching component code.
package logx
