package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level はログレベルを表す
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// logrus のレベルへ変換する
func (l Level) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ParseLevel は設定ファイルやフラグの文字列をレベルに変換する
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// threadField はスレッドIDを載せる logrus フィールド名
const threadField = "thread"

// Logger はスレッドセーフなロガー
type Logger struct {
	entry *logrus.Logger
}

// Default はデフォルトのロガー
var Default = New(os.Stdout, LevelInfo)

// New は新しいロガーを作成する
func New(out io.Writer, minLevel Level) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&lineFormatter{})
	l.SetLevel(minLevel.logrus())
	return &Logger{entry: l}
}

// SetLevel はログレベルを設定する
func (l *Logger) SetLevel(level Level) {
	l.entry.SetLevel(level.logrus())
}

// SetOutput は出力先を差し替える
func (l *Logger) SetOutput(out io.Writer) {
	l.entry.SetOutput(out)
}

// log は指定されたレベルでログを出力する
func (l *Logger) log(level Level, threadID string, format string, args ...any) {
	lv := level.logrus()
	if !l.entry.IsLevelEnabled(lv) {
		return
	}

	e := logrus.NewEntry(l.entry)
	if threadID != "" {
		e = e.WithField(threadField, threadID)
	}
	e.Logf(lv, format, args...)
}

// Debug はデバッグログを出力する
func (l *Logger) Debug(threadID string, format string, args ...any) {
	l.log(LevelDebug, threadID, format, args...)
}

// Info は情報ログを出力する
func (l *Logger) Info(threadID string, format string, args ...any) {
	l.log(LevelInfo, threadID, format, args...)
}

// Warn は警告ログを出力する
func (l *Logger) Warn(threadID string, format string, args ...any) {
	l.log(LevelWarn, threadID, format, args...)
}

// Error はエラーログを出力する
func (l *Logger) Error(threadID string, format string, args ...any) {
	l.log(LevelError, threadID, format, args...)
}

// lineFormatter は "[時刻] [レベル] [スレッド] メッセージ" の1行形式で出力する
type lineFormatter struct{}

func (f *lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b := e.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "[%s] [%s]", e.Time.Format("2006-01-02 15:04:05.000"), levelName(e.Level))
	if id, ok := e.Data[threadField]; ok {
		fmt.Fprintf(b, " [%v]", id)
	}
	b.WriteByte(' ')
	b.WriteString(e.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelName(lv logrus.Level) string {
	switch lv {
	case logrus.DebugLevel, logrus.TraceLevel:
		return LevelDebug.String()
	case logrus.InfoLevel:
		return LevelInfo.String()
	case logrus.WarnLevel:
		return LevelWarn.String()
	default:
		return LevelError.String()
	}
}

// グローバル関数（デフォルトロガーを使用）

// Debug はデバッグログを出力する
func Debug(threadID string, format string, args ...any) {
	Default.Debug(threadID, format, args...)
}

// Info は情報ログを出力する
func Info(threadID string, format string, args ...any) {
	Default.Info(threadID, format, args...)
}

// Warn は警告ログを出力する
func Warn(threadID string, format string, args ...any) {
	Default.Warn(threadID, format, args...)
}

// Error はエラーログを出力する
func Error(threadID string, format string, args ...any) {
	Default.Error(threadID, format, args...)
}
