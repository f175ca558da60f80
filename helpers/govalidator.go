package helpers

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/thedevsaddam/govalidator"
	"golang.org/x/text/currency"
)

func init() {
	govalidator.AddCustomRule("currency_iso", func(field string, rule string, message string, value interface{}) error {
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.String && rv.String() != "" {
			if _, err := currency.ParseISO(strings.ToUpper(rv.String())); err != nil {
				if message != "" {
					return fmt.Errorf(message)
				}
				return fmt.Errorf("The %s field must be an ISO 4217 currency code", field)
			}
		}
		return nil
	})
	govalidator.AddCustomRule("positive_amount", func(field string, rule string, message string, value interface{}) error {
		rv := reflect.ValueOf(value)
		var positive bool
		switch rv.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			positive = rv.Int() > 0
		case reflect.Float32, reflect.Float64:
			positive = rv.Float() > 0
		default:
			return nil
		}
		if !positive {
			if message != "" {
				return fmt.Errorf(message)
			}
			return fmt.Errorf("The %s field must be greater than 0", field)
		}
		return nil
	})
	govalidator.AddCustomRule("array_string", func(field string, rule string, message string, value interface{}) error {
		rv := reflect.ValueOf(value)
		if rv.Kind() == reflect.Slice {
			arr, ok := value.([]string)
			if !ok {
				return fmt.Errorf("The %s field must be array of string", field)
			}
			for _, v := range arr {
				if v == "" {
					if message != "" {
						return fmt.Errorf(message)
					}
					return fmt.Errorf("The %s field must be array of string not empty", field)
				}
			}
		}
		return nil
	})
}
