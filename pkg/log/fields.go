package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSessionID = "sessionID"
	FieldNameOwner     = "owner"
	FieldNameRequestID = "requestID"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldMessage 返回一个包含消息对象的 zap 字段。
func FieldMessage(msg zapcore.ObjectMarshaler) zap.Field {
	return zap.Object("message", msg)
}

// FieldSessionID 返回一个包含会话 ID 的 zap 字段。
func FieldSessionID(id string) zap.Field {
	return zap.String(FieldNameSessionID, id)
}

// FieldOwner 返回一个包含会话所属号码的 zap 字段。
func FieldOwner(owner string) zap.Field {
	return zap.String(FieldNameOwner, owner)
}
