// Package logx configures forgewatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp and caller), file output JSON, and can mirror
// warnings into a chat thread with a minimum level and a rate limit.
package logx
