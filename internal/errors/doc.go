// Package errors provides structured runtime errors with stable codes.
//
// Codes are registered in registry.go; subsystems either build an Error
// directly with New or instantiate a registered template with FromCode and
// attach context through the builder methods.
package errors
