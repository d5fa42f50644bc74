package persistence

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "persistence")

// Service 持久化服务接口
type Service interface {
	NewStore(prefix, id, tag string) Store
	Close() error
}

// Store 存储接口
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
}

// ErrNotExists 表示数据不存在
var ErrNotExists = fmt.Errorf("persistence data not exists")

func storeKey(prefix, id, tag string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, id, tag)
}

// LoadFields 加载带 persistence tag 的字段；不存在的 key 保持字段原值
func LoadFields(obj interface{}, id string, service Service) error {
	return iterateFieldsByTag(obj, "persistence", func(tag string, field reflect.StructField, value reflect.Value) error {
		newValue := newTypeValueInterface(value.Type())

		store := service.NewStore("state", id, tag)
		if err := store.Load(newValue); err != nil {
			if err == ErrNotExists {
				log.Debugf("state key does not exist, id=%s tag=%s", id, tag)
				return nil
			}
			return fmt.Errorf("load %s: %w", field.Name, err)
		}

		rv := reflect.ValueOf(newValue)
		if value.Kind() != reflect.Ptr {
			rv = rv.Elem()
		}
		value.Set(rv)
		return nil
	})
}

// SaveFields 保存带 persistence tag 的字段
func SaveFields(obj interface{}, id string, service Service) error {
	return iterateFieldsByTag(obj, "persistence", func(tag string, field reflect.StructField, value reflect.Value) error {
		log.Debugf("storing field %s, tag=%s", field.Name, tag)
		return service.NewStore("state", id, tag).Save(value.Interface())
	})
}

// iterateFieldsByTag 遍历结构体字段（含嵌套结构体），对带 tag 的字段调用 fn
func iterateFieldsByTag(obj interface{}, tagName string, fn func(tag string, field reflect.StructField, value reflect.Value) error) error {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("object must be a non-nil pointer to struct")
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("object must be a pointer to struct")
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !value.CanSet() {
			continue
		}

		tag := field.Tag.Get(tagName)
		if tag == "" || tag == "-" {
			if value.Kind() == reflect.Struct {
				if err := iterateFieldsByTag(value.Addr().Interface(), tagName, fn); err != nil {
					return err
				}
			}
			continue
		}

		// tag 可能带选项，如 "ladder,omitempty"
		if err := fn(strings.Split(tag, ",")[0], field, value); err != nil {
			return err
		}
	}
	return nil
}

func newTypeValueInterface(typ reflect.Type) interface{} {
	if typ.Kind() == reflect.Ptr {
		return reflect.New(typ.Elem()).Interface()
	}
	return reflect.New(typ).Interface()
}
