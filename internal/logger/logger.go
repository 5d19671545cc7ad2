package logger

import (
	"github.com/sirupsen/logrus"

	logger_util "github.com/free5gc/util/logger"
)

var (
	Log        *logrus.Logger
	NfLog      *logrus.Entry
	MainLog    *logrus.Entry
	InitLog    *logrus.Entry
	CfgLog     *logrus.Entry
	ContextLog *logrus.Entry
	IKELog     *logrus.Entry
	TaskLog    *logrus.Entry
	KexLog     *logrus.Entry
	XfrmLog    *logrus.Entry
	UtilLog    *logrus.Entry
)

func init() {
	fieldsOrder := []string{
		logger_util.FieldNF,
		logger_util.FieldCategory,
	}
	Log = logger_util.New(fieldsOrder)
	NfLog = Log.WithField(logger_util.FieldNF, "SECGW")
	MainLog = NfLog.WithField(logger_util.FieldCategory, "Main")
	InitLog = NfLog.WithField(logger_util.FieldCategory, "Init")
	CfgLog = NfLog.WithField(logger_util.FieldCategory, "CFG")
	ContextLog = NfLog.WithField(logger_util.FieldCategory, "Context")
	IKELog = NfLog.WithField(logger_util.FieldCategory, "IKE")
	TaskLog = NfLog.WithField(logger_util.FieldCategory, "Task")
	KexLog = NfLog.WithField(logger_util.FieldCategory, "KEx")
	XfrmLog = NfLog.WithField(logger_util.FieldCategory, "XFRM")
	UtilLog = NfLog.WithField(logger_util.FieldCategory, "Util")
}
