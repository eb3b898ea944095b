// Package formation 定义协作团队（formation）的成员、分配规则与内置模板。
package formation
