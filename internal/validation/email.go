// Package validation содержит функции валидации входных данных.
package validation

import "net/mail"

// IsValidEmail проверяет корректность адреса электронной почты.
func IsValidEmail(email string) bool {
	if email == "" {
		return false
	}

	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}

	// Адрес с display name ("Имя <a@b>") не принимается: ожидается только сам адрес.
	return addr.Address == email
}
