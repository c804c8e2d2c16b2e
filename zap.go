package bayeux

import "go.uber.org/zap"

type wrappedZap struct {
	*zap.SugaredLogger
}

func (w *wrappedZap) Debug(msg string, args ...any) {
	w.SugaredLogger.Debugw(msg, args...)
}

func (w *wrappedZap) Info(msg string, args ...any) {
	w.SugaredLogger.Infow(msg, args...)
}

func (w *wrappedZap) Warn(msg string, args ...any) {
	w.SugaredLogger.Warnw(msg, args...)
}

func (w *wrappedZap) Error(msg string, args ...any) {
	w.SugaredLogger.Errorw(msg, args...)
}

func (w *wrappedZap) WithError(err error) Logger {
	return &wrappedZap{w.SugaredLogger.With(zap.Error(err))}
}

func (w *wrappedZap) WithField(key string, value any) Logger {
	return &wrappedZap{w.SugaredLogger.With(key, value)}
}

// WithZapLogger configures the session to log through a *zap.Logger
func WithZapLogger(logger *zap.Logger) Option {
	return func(options *Options) {
		options.Logger = &wrappedZap{logger.Sugar()}
	}
}
