package utils

import (
	"os"
	"sort"
)

func FileExist(path string) bool {
	_, err := os.Lstat(path)
	return !os.IsNotExist(err)
}

// 获取map的所有key, 并排序后返回. 用于打印所有支持的协议名等情况.
func GetMapSortedKeySlice[K string, V any](theMap map[K]V) []K {
	result := make([]K, 0, len(theMap))
	for k := range theMap {
		result = append(result, k)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i] < result[j]
	})
	return result
}
