package services

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCart             = errors.New("cart is empty")
	ErrInvalidQuantity       = errors.New("quantity must be between 1 and 10000")
	ErrProductNotFound       = errors.New("product not found")
	ErrCheckoutNotFound      = errors.New("checkout session not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrGalleryItemNotFound   = errors.New("gallery item not found")
	ErrUserNotFound          = errors.New("user not found")
	ErrUserExists            = errors.New("user already exists")
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrInvalidInput          = errors.New("invalid input")
	ErrDuplicateFinalization = errors.New("order already finalized for payment session")
)

// ProductNotFoundError names the missing product.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// Is lets errors.Is match ErrProductNotFound.
func (e *ProductNotFoundError) Is(target error) bool {
	return target == ErrProductNotFound
}

// InsufficientInventoryError is returned when a reservation asks for more than is in stock.
type InsufficientInventoryError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientInventoryError) Error() string {
	name := e.Name
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("Insufficient inventory for %s. Only %d available.", name, e.Available)
}
