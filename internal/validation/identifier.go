// Package validation содержит функции валидации входных данных.
package validation

const maxIdentifierLen = 128

// IsValidReferenceID проверяет идентификатор внешнего события, по которому начисление идемпотентно.
// Допускаются латинские буквы, цифры и символы ._:-/ длиной до 128 символов.
func IsValidReferenceID(id string) bool {
	return isIdentifier(id, func(ch byte) bool {
		return ch == '.' || ch == '_' || ch == ':' || ch == '-' || ch == '/'
	})
}

// IsValidDeviceID проверяет идентификатор устройства. Двоеточие запрещено: идентификатор входит в ключ начисления за шаги.
func IsValidDeviceID(id string) bool {
	return isIdentifier(id, func(ch byte) bool {
		return ch == '.' || ch == '_' || ch == '-'
	})
}

func isIdentifier(id string, extra func(byte) bool) bool {
	if id == "" || len(id) > maxIdentifierLen {
		return false
	}

	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case extra(ch):
		default:
			return false
		}
	}

	return true
}
