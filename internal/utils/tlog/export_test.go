package tlog

var NewLoggerWithOutput = newLogger
