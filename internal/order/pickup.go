package order

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	pickupCodeMin = 100000
	pickupCodeMax = 999999
	// 唯一索引冲突时的最大重试次数。
	maxPickupAttempts = 5
)

var pickupSpan = big.NewInt(pickupCodeMax - pickupCodeMin + 1)

// NewPickupCode 在 [100000, 999999] 内均匀生成 6 位取餐码。
func NewPickupCode() (string, error) {
	n, err := rand.Int(rand.Reader, pickupSpan)
	if err != nil {
		return "", fmt.Errorf("generate pickup code: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+pickupCodeMin), nil
}
