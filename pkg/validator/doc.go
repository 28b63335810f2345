/*
Package validator provides input validation with custom validation rules.

This package wraps go-playground/validator with additional custom validations:
  - slug: URL-safe slug format, used for endpoint friendly names
  - topic_name: Kafka-compatible topic/queue name format

Usage:

	import "github.com/silverback-go/silverback/pkg/validator"

	v := validator.New()

	// Validate struct
	err := v.ValidateStruct(myStruct)

	// Validate single value
	err := v.ValidateVar(topic, "topic_name")
*/
package validator
