// Package sysroot exposes the on-device deployment root.
//
// The Handle loads the ordered deployment list by asking the deployment tool
// for the sysroot status and parsing it. It never changes the list itself:
// mutations happen through tool invocations and are observed by reloading.
package sysroot
