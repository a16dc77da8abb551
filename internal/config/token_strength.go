package config

import (
	"fmt"

	zxcvbn "github.com/ccojocar/zxcvbn-go"
)

// minAdminTokenScore is the minimum zxcvbn score (0-4) an operator's
// --admin-token must clear. Anything below "reasonably guessable in a
// day of offline attempts" is rejected at startup.
const minAdminTokenScore = 3

// CheckAdminTokenStrength validates an optional admin token used to
// protect /sleep and /wake_up, rejecting weak tokens at startup rather
// than at first unauthorized use.
func CheckAdminTokenStrength(token string) error {
	if token == "" {
		return nil
	}
	result := zxcvbn.PasswordStrength(token, nil)
	if result.Score < minAdminTokenScore {
		return fmt.Errorf("admin token too weak (score %d/4, need >= %d)",
			result.Score, minAdminTokenScore)
	}
	return nil
}
