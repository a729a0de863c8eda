// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// IsValidLoanTypeCode проверяет код типа кредита: латиница в нижнем регистре,
// цифры и подчёркивания, начинается с буквы.
func IsValidLoanTypeCode(code string) bool {
	if code == "" {
		return false
	}

	for i, ch := range code {
		switch {
		case ch >= 'a' && ch <= 'z':
		case unicode.IsDigit(ch) && i > 0:
		case ch == '_' && i > 0:
		default:
			return false
		}
	}

	return true
}

// IsValidBankName проверяет название банка: непустая строка из печатных символов
// без управляющих знаков, не длиннее 100 символов.
func IsValidBankName(name string) bool {
	if name == "" || len(name) > 100 {
		return false
	}

	hasLetter := false
	for _, ch := range name {
		if unicode.IsControl(ch) {
			return false
		}
		if unicode.IsLetter(ch) {
			hasLetter = true
		}
	}

	return hasLetter
}
